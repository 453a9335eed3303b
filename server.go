// Package cacheserver serves the files of a document root through a
// read-through page cache and counts every served page.
package cacheserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/always-cache/cacheserver/analytics"
	"github.com/always-cache/cacheserver/pagecache"
	responserules "github.com/always-cache/cacheserver/pkg/response-rules"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// PageCache looks up and stores page bodies.
type PageCache interface {
	Lookup(ctx context.Context, path string) (string, pagecache.Status)
	Store(ctx context.Context, path, body string)
}

// VisitReporter reads the visit analytics.
type VisitReporter interface {
	TotalVisits(ctx context.Context) (int64, error)
	TopPages(ctx context.Context, offset, limit int) ([]analytics.PageVisits, error)
}

type Server struct {
	site   SiteConfig
	name   string
	want   int
	rules  responserules.Rules
	fsys   fs.FS
	pages  PageCache
	visits VisitReporter
	log    zerolog.Logger
	router chi.Router
}

// New creates the request router serving the files of fsys.
// Use os.DirFS(config.Site.Root) to serve the configured root.
func New(config Config, fsys fs.FS, pages PageCache, visits VisitReporter, logger zerolog.Logger) *Server {
	s := &Server{
		site:   config.Site,
		name:   config.Server.Name,
		want:   config.Analytics.WantVisitCount,
		rules:  config.Rules,
		fsys:   fsys,
		pages:  pages,
		visits: visits,
		log:    logger.With().Str("component", "router").Logger(),
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Served")
	}))
	r.Use(middleware.Recoverer)
	r.Handle(config.Analytics.Path, http.HandlerFunc(s.serveVisitInfo))
	r.Handle("/*", http.HandlerFunc(s.serveContent))
	s.router = r

	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	ctx := r.Context()

	requestPath, err := parseRequestPath(r)
	if err != nil {
		logger.Warn().Err(err).Str("uri", r.RequestURI).Msg("Could not parse request URI")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	page := s.resolvePage(strings.TrimPrefix(requestPath, "/"))
	contentType := s.contentType(logger, &page)
	logger.Trace().Str("path", requestPath).Str("page", page).Msg("Resolved page")

	var cs CacheStatus
	body, status := s.pages.Lookup(ctx, page)
	switch status {
	case pagecache.Hit:
		cs.Hit()
	default:
		// a miss and an unreachable store both fall back to disk
		if status == pagecache.Miss {
			cs.Forward(CacheStatusFwdUriMiss)
		} else {
			cs.Forward(CacheStatusFwdBypass)
		}
		if body, err = s.readPage(page); err != nil {
			logger.Error().Err(err).Str("page", page).Msg("Could not read page")
			cs.Detail("read failed")
			break
		}
		s.pages.Store(ctx, page, body)
		if status == pagecache.Miss {
			cs.Stored()
		}
	}

	header := w.Header()
	header.Set("Server", s.name)
	header.Set("Content-Type", contentType)
	header.Set("Connection", "close")
	header.Set("Cache-Status", cs.String())
	s.rules.Apply(page, header)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body+"\n")
}

// parseRequestPath returns the decoded path of the request URI.
func parseRequestPath(r *http.Request) (string, error) {
	if r.RequestURI == "" {
		return r.URL.Path, nil
	}
	u, err := url.ParseRequestURI(r.RequestURI)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

// resolvePage returns the page to serve for name: name itself if it exists
// in the document root and is not the hidden log file, the not found page otherwise.
func (s *Server) resolvePage(name string) string {
	if s.site.HideLogFile && name == path.Clean(s.site.LogFile) {
		return s.site.NotFoundPath
	}
	if !fs.ValidPath(name) {
		return s.site.NotFoundPath
	}
	if _, err := fs.Stat(s.fsys, name); err != nil {
		return s.site.NotFoundPath
	}
	return name
}

// contentType returns the content type of page by its extension.
// A page without extension is replaced with the not found page.
func (s *Server) contentType(logger *zerolog.Logger, page *string) string {
	ext := path.Ext(*page)
	if ext == "" {
		*page = s.site.NotFoundPath
		ext = path.Ext(*page)
	}
	if contentType, ok := contentTypes[strings.TrimPrefix(ext, ".")]; ok {
		return contentType
	}
	logger.Info().Str("page", *page).Msg("Unrecognized extension, using text/plain")
	return "text/plain"
}

var contentTypes = map[string]string{
	"html":  "text/html",
	"htm":   "text/html",
	"ico":   "image/x-icon",
	"js":    "application/x-javascript",
	"css":   "text/css",
	"pdf":   "application/pdf",
	"png":   "application/x-png",
	"svg":   "text/xml",
	"ttf":   "application/x-font-truetype",
	"woff":  "application/x-font-woff",
	"woff2": "application/x-font-woff",
}

// readPage reads page line by line, terminating every line with a newline.
func (s *Server) readPage(page string) (string, error) {
	f, err := s.fsys.Open(page)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body strings.Builder
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			body.WriteString(strings.TrimSuffix(line, "\n"))
			body.WriteByte('\n')
		}
		if errors.Is(err, io.EOF) {
			return body.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}
