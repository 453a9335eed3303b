package cacheserver

import (
	"html/template"
	"net/http"
	"strconv"

	"github.com/always-cache/cacheserver/analytics"
)

var visitInfoTemplate = template.Must(template.New("visit_info").Funcs(template.FuncMap{
	"visits": func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
}).Parse(`<html> <head> <meta charset="UTF-8"></head><body> Total Visit Count: {{.Total}}</br> ` +
	`{{range .Pages}}{{.Path}}<br>[VISIT COUNT]:{{visits .Visits}}</br>{{end}} </body></html>`))

type visitInfo struct {
	Total int64
	Pages []analytics.PageVisits
}

// serveVisitInfo renders the total visit count and the most visited pages.
// A store error renders what could be read: -1 as the total, no pages.
func (s *Server) serveVisitInfo(w http.ResponseWriter, r *http.Request) {
	logger := getLogger(r)
	ctx := r.Context()

	info := visitInfo{}
	info.Total, _ = s.visits.TotalVisits(ctx)
	if pages, err := s.visits.TopPages(ctx, 0, s.want); err == nil {
		info.Pages = pages
	}

	header := w.Header()
	header.Set("Server", s.name)
	header.Set("Content-Type", "text/html")
	header.Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	if err := visitInfoTemplate.Execute(w, info); err != nil {
		logger.Error().Err(err).Msg("Could not render visit info")
	}
}
