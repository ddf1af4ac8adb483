package api

import (
	"context"
	"net/http"
	"psst/cfg"
	"psst/svc/lim"
	"psst/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Check is one dependency probed by /ready.
type Check struct {
	Pinger   Pinger
	Required bool
}

type Deps struct {
	Paste    Pastes
	Accounts Accounts
	Tokens   TokenParser
	Limiter  *lim.Limiter
	IDs      Readiness
	Checks   map[string]Check
	// Blobs is set when the filesystem backend serves presigned reads.
	Blobs BlobServer
}

type Server struct {
	router     *chi.Mux
	ids        Readiness
	checks     map[string]Check
	cfg        *cfg.Cfg
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{ids: d.IDs, checks: d.Checks, cfg: c}
	mw := NewMw(d.Limiter, d.Tokens, c)
	hdl := &Hdl{paste: d.Paste, accounts: d.Accounts, blobs: d.Blobs}

	r := chi.NewRouter()
	r.Use(mw.Recoverer)
	r.Use(mw.Observe)
	r.Use(mw.CORS)
	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if !c.IsProduction() {
		r.Route("/debug", func(r chi.Router) {
			r.Use(mw.BasicAuthMetrics)
			r.Mount("/", middleware.Profiler())
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("ip", util.RedactIP(lim.GetRealIP(req, c.TrustedProxies))).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)

		if d.Blobs != nil {
			r.With(mw.RateLimit("read")).Get("/blobs/*", hdl.GetBlob)
		}

		r.Group(func(r chi.Router) {
			r.Use(mw.JSONContentType)
			r.With(mw.RateLimit("auth")).Post("/users/register", hdl.Register)
			r.With(mw.RateLimit("auth")).Post("/users/login", hdl.Login)

			r.Group(func(r chi.Router) {
				r.Use(mw.Authenticate)
				r.With(mw.RequireAuth, mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
				r.With(mw.RateLimit("read")).Get("/pastes/{id}", hdl.GetPaste)
				r.With(mw.RateLimit("read")).Get("/pastes/{id}/raw", hdl.RawPaste)
			})
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
