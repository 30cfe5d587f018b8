package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/aleister1102/webtrack/internal/blobstore"
	"github.com/aleister1102/webtrack/internal/config"
	"github.com/aleister1102/webtrack/internal/datastore"
	"github.com/aleister1102/webtrack/internal/token"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AuthHeader is the header carrying the short-lived auth token on serve
// requests. The renderer sets it on its headless pages; anything arriving
// without a valid one gets 401.
const AuthHeader = "WST-Auth-Key"

// Server exposes the annotated diff sides for the renderer to screenshot
// and the public change-log pages for clients.
type Server struct {
	cfg    *config.Config
	db     *datastore.DB
	blobs  blobstore.Store
	codec  *token.Codec
	logger zerolog.Logger
}

// New wires a Server. The signing key must match the renderer's.
func New(cfg *config.Config, db *datastore.DB, blobs blobstore.Store, logger zerolog.Logger) (*Server, error) {
	codec, err := token.NewCodec(cfg.ServerConfig.SigningKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		db:     db,
		blobs:  blobs,
		codec:  codec,
		logger: logger.With().Str("component", "WebServer").Logger(),
	}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/auth/", s.handleAuth)

	rc := s.cfg.RenderConfig
	r.Get("/"+rc.ServePathPrefix+"/{encID}/{sideToken}/"+rc.ServePathSuffix+"/", s.handleServeDiffSide)

	r.Get("/tracking/{encID}/change-log/", s.handleChangeLog)

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ServerConfig.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("Webserver listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info().Msg("Webserver shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}
