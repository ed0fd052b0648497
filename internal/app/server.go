package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/songsnap/internal/observe"
	"github.com/MrWong99/songsnap/pkg/audio"
	"github.com/MrWong99/songsnap/pkg/recognition"
)

// shutdownGrace bounds draining in-flight requests once Run's context ends.
const shutdownGrace = 10 * time.Second

// recognizeRequest is the optional body of POST /v1/recognitions.
type recognizeRequest struct {
	Token string `json:"token"`
}

// levelResponse is the body of GET /v1/level.
type levelResponse struct {
	Level       float64 `json:"level"`
	Format      string  `json:"format,omitempty"`
	Subscribers int     `json:"subscribers"`
}

// Handler returns the HTTP API:
//
//	POST /v1/recognitions   run one session and return its outcome
//	GET  /v1/level          current loudness level
//	GET  /v1/level/stream   server-sent loudness levels while connected
//	GET  /healthz, /readyz  probes
//	GET  /metrics           Prometheus metrics, when a handler was given
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/recognitions", a.handleRecognize)
	mux.HandleFunc("GET /v1/level", a.handleLevel)
	mux.HandleFunc("GET /v1/level/stream", a.handleLevelStream)
	a.health.Register(mux)
	if a.metricsH != nil {
		mux.Handle("GET /metrics", a.metricsH)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var req recognizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	if token := r.Header.Get("Authorization"); req.Token == "" && len(token) > len("Bearer ") {
		req.Token = token[len("Bearer "):]
	}

	out, err := a.Recognize(r.Context(), req.Token)
	switch {
	case errors.Is(err, ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		// The client went away; nobody is left to read a response.
		observe.Logger(r.Context()).Debug("recognition abandoned", "err", err)
		return
	}
	writeJSON(w, statusFor(out), out)
}

// statusFor maps an outcome onto an HTTP status. Outcomes are always
// returned in the body; the status only helps generic clients.
func statusFor(o recognition.Outcome) int {
	switch {
	case !o.IsError():
		return http.StatusOK
	case o.Is(recognition.FailureBadRecording):
		return http.StatusUnprocessableEntity
	case o.Is(recognition.FailureWrongToken):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func (a *App) handleLevel(w http.ResponseWriter, _ *http.Request) {
	res := levelResponse{Level: a.Level()}
	if format, ok := a.Format(); ok {
		res.Format = format.String()
		res.Subscribers = a.source.Subscribers()
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLevelStream keeps a capture subscription open for as long as the
// client is connected and pushes every published level as an SSE event.
func (a *App) handleLevelStream(w http.ResponseWriter, r *http.Request) {
	if !a.available {
		writeError(w, http.StatusServiceUnavailable, errors.New("capture unavailable"))
		return
	}
	ctx := r.Context()
	rc := http.NewResponseController(w)

	levels := a.meter.Levels(ctx)
	chunks := a.source.Chunks(ctx)
	defer audio.Drain(levels)
	defer audio.Drain(chunks)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-chunks:
			if !ok {
				return
			}
			if res.Err != nil {
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", res.Err)
				_ = rc.Flush()
				return
			}
		case lvl, ok := <-levels:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %.2f\n\n", lvl); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// Run serves the HTTP API on server.listen_addr until ctx ends, then drains
// in-flight requests for up to [shutdownGrace].
func (a *App) Run(ctx context.Context) error {
	a.mu.RLock()
	srvCfg := a.cfg.Server
	a.mu.RUnlock()

	srv := &http.Server{
		Addr:              srvCfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http api listening", "addr", srv.Addr, "tls", srvCfg.TLS != nil)
		var err error
		if srvCfg.TLS != nil {
			err = srv.ListenAndServeTLS(srvCfg.TLS.CertFile, srvCfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
