package webserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/common"
	"github.com/aleister1102/webtrack/internal/token"

	"github.com/go-chi/chi/v5"
)

// placeholderBody is served when a side has no stored markup, so the
// renderer still gets a stable page to screenshot instead of an error.
const placeholderBody = `<!DOCTYPE html>
<html><head><title></title></head>
<body style="background-color: darkgrey;"></body></html>`

// newSideMarker visually frames the new side so the two screenshots are
// distinguishable at a glance.
const newSideMarker = `<style>body { border: 6px solid #6FDC8C; }</style>`

// handleAuth validates the auth header and nothing else. Front proxies use
// it as an auth subrequest for anything under the serve prefix.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := s.checkAuth(r); err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Auth check failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) checkAuth(r *http.Request) error {
	tok := r.Header.Get(AuthHeader)
	if tok == "" {
		return common.NewError("missing %s header", AuthHeader)
	}
	return s.codec.CheckAuthToken(tok)
}

// handleServeDiffSide serves one annotated side of a diff. The id arrives
// encrypted and the side is selected by the opaque side token, so the URL
// leaks nothing about what it serves.
func (s *Server) handleServeDiffSide(w http.ResponseWriter, r *http.Request) {
	if err := s.checkAuth(r); err != nil {
		if errors.Is(err, token.ErrExpired) {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Expired auth token on serve request")
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	diffID, err := s.codec.DecryptID(chi.URLParam(r, "encID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var isNewSide bool
	switch chi.URLParam(r, "sideToken") {
	case s.cfg.RenderConfig.OldSideToken:
	case s.cfg.RenderConfig.NewSideToken:
		isNewSide = true
	default:
		http.NotFound(w, r)
		return
	}

	diff, err := s.db.GetDiffHtmlByID(r.Context(), diffID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.logger.Error().Err(err).Int64("diff_id", diffID).Msg("Failed to load diff record")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	blobKey := diff.OldHTMLBlobKey
	if isNewSide {
		blobKey = diff.NewHTMLBlobKey
	}

	body := s.loadSide(r, blobKey)
	if isNewSide {
		body = append(body, []byte(newSideMarker)...)
	}

	w.Header().Set("Content-Type", blobstore.ContentTypeHTML)
	w.Write(body)
}

// loadSide fetches a side's markup, falling back to the placeholder when
// the key is empty, the blob is gone, or the content is blank.
func (s *Server) loadSide(r *http.Request, blobKey string) []byte {
	if blobKey == "" {
		return []byte(placeholderBody)
	}
	data, err := s.blobs.Get(r.Context(), blobKey)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotExist) {
			s.logger.Error().Err(err).Str("key", blobKey).Msg("Failed to load side blob")
		}
		return []byte(placeholderBody)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return []byte(placeholderBody)
	}
	return data
}
