package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/always-cache/cacheserver"
	"github.com/always-cache/cacheserver/analytics"
	"github.com/always-cache/cacheserver/pagecache"
	"github.com/always-cache/cacheserver/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	addrFlag           string
	rootFlag           string
	storeFlag          string
	storeAddrFlag      string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file (optional)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&addrFlag, "addr", "127.0.0.1", "Address to listen on")
	flag.StringVar(&rootFlag, "root", ".", "Document root to serve")
	flag.StringVar(&storeFlag, "store", "redis", "Store provider: redis, sqlite, postgres or memory")
	flag.StringVar(&storeAddrFlag, "store-addr", "127.0.0.1:6379", "Redis address")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "SQLite DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "website.log", "Log file to use (in addition to stdout, empty to disable)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config, err := cacheserver.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	if err := applyFlags(&config); err != nil {
		log.Fatal().Err(err).Msg("Invalid flag")
	}
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.Site.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.Site.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			defer logFileOutput.Close()
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	dialer, err := newDialer(config.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot set up store")
	}
	conn := store.NewConn(dialer, store.Options{
		Password:      config.Store.Password,
		DB:            config.Store.DB,
		MaxRetryCount: config.Store.MaxRetryCount,
	}, log.Logger)
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer stop()

	// a failed first connect is counted and retried on the first request
	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Msgf("Store %s not reachable at startup", dialer)
	}

	var visitOpts []analytics.Option
	if config.Analytics.AtomicVisits {
		visitOpts = append(visitOpts, analytics.WithAtomicVisits())
	}
	visits := analytics.New(conn, config.Store.Keys.Analytics(), log.Logger, visitOpts...)
	pages := pagecache.New(conn, config.Store.Keys.PageCache, visits, log.Logger)
	handler := cacheserver.New(config, os.DirFS(config.Site.Root), pages, visits, log.Logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(config.Server.Addr, strconv.Itoa(config.Server.Port)),
		Handler:      handler,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	log.Info().Msgf("Serving %s on %s (store %s)", config.Site.Root, server.Addr, dialer)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// applyFlags overrides config with the flags given on the command line.
func applyFlags(config *cacheserver.Config) error {
	var err error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			config.Server.Port = portFlag
		case "addr":
			config.Server.Addr = addrFlag
		case "root":
			config.Site.Root = rootFlag
		case "store":
			config.Store.Provider = storeFlag
		case "store-addr":
			host, port, splitErr := net.SplitHostPort(storeAddrFlag)
			if splitErr != nil {
				err = fmt.Errorf("store-addr: %w", splitErr)
				return
			}
			config.Store.Addr = host
			if config.Store.Port, splitErr = strconv.Atoi(port); splitErr != nil {
				err = fmt.Errorf("store-addr port: %w", splitErr)
			}
		case "db":
			config.Store.File = dbFilenameFlag
		case "log-file":
			config.Site.LogFile = logFilenameFlag
		}
	})
	return err
}

// newDialer returns the dialer of the configured store provider.
func newDialer(config cacheserver.StoreConfig) (store.Dialer, error) {
	switch config.Provider {
	case cacheserver.ProviderRedis:
		return store.Redis{
			Addr:        net.JoinHostPort(config.Addr, strconv.Itoa(config.Port)),
			DialTimeout: config.DialTimeout,
		}, nil
	case cacheserver.ProviderSQLite:
		return store.NewSQLite(config.File), nil
	case cacheserver.ProviderPostgres:
		return store.NewPostgres(config.DSN), nil
	case cacheserver.ProviderMemory:
		return store.NewMemory(config.Password), nil
	}
	return nil, fmt.Errorf("unknown store provider %q", config.Provider)
}
