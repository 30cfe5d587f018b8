package webserver

import (
	"html/template"
	"net/http"

	"github.com/aleister1102/webtrack/internal/models"

	"github.com/go-chi/chi/v5"
)

const changeLogPageSize = 50

var changeLogTemplate = template.Must(template.New("changelog").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.SourceName}} change log</title>
<style>
body { font-family: sans-serif; max-width: 960px; margin: 2em auto; color: #222; }
.entry { border-bottom: 1px solid #ddd; padding: 1em 0; }
.entry.current { background: #f6fff8; }
.entry time { color: #666; font-size: 0.9em; }
.entry h2 { margin: 0.2em 0; font-size: 1.1em; }
.entry p { white-space: pre-line; margin: 0.3em 0; }
</style>
</head>
<body>
<h1>{{.SourceName}}</h1>
<p><a href="{{.SourceURL}}">{{.SourceURL}}</a></p>
{{range $i, $e := .Entries}}
<div class="entry{{if eq $i 0}} current{{end}}">
<time>{{$e.When}}</time>
<h2>{{$e.Title}}</h2>
<p>{{$e.Description}}</p>
</div>
{{end}}
</body>
</html>`))

type changeLogEntry struct {
	When        string
	Title       string
	Description string
}

type changeLogPage struct {
	SourceName string
	SourceURL  string
	Entries    []changeLogEntry
}

// handleChangeLog renders one client's published history for a source. The
// URL carries an encrypted web update id; that update leads the page and
// the earlier updates the same client received for the source follow it.
func (s *Server) handleChangeLog(w http.ResponseWriter, r *http.Request) {
	updateID, err := s.codec.DecryptID(chi.URLParam(r, "encID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	update, err := s.db.GetWebUpdateByID(r.Context(), updateID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	src, err := s.db.GetSourceByID(r.Context(), update.SourceID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	history, err := s.db.ListPriorWebUpdates(r.Context(), update, changeLogPageSize)
	if err != nil {
		s.logger.Error().Err(err).Int64("web_update_id", updateID).Msg("Failed to load change log")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	page := changeLogPage{SourceName: src.Name, SourceURL: src.URL}
	for _, wu := range append([]models.WebUpdate{*update}, history...) {
		page.Entries = append(page.Entries, changeLogEntry{
			When:        wu.PublishedAt.UTC().Format("2006-01-02 15:04"),
			Title:       wu.Title,
			Description: wu.Description,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := changeLogTemplate.Execute(w, page); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render change log")
	}
}
