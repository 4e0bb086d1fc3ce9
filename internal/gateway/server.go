package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 10 * time.Second
	healthPingTimeout = 100 * time.Millisecond
)

// ServeHTTP dispatches to the active route table. The health endpoint is
// answered here so it works even while a reload is swapping routers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		g.healthz(w, r)
		return
	}
	rt := g.active.Load()
	if rt == nil {
		apierror.New("internal", http.StatusServiceUnavailable, "Service Unavailable").WriteJSON(w)
		return
	}
	rt.ServeHTTP(w, r)
}

func (g *Gateway) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "version": Version}
	if g.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := g.redis.Ping(ctx).Err(); err != nil {
			status["redis"] = "down"
		} else {
			status["redis"] = "up"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Run loads the initial configuration, starts the event queue, the admin
// plane and the HTTP server, and blocks until the context is cancelled, a
// shutdown command arrives or the listener fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.schedMu.Lock()
	g.runCtx = ctx
	g.schedMu.Unlock()

	if err := g.Reload(); err != nil {
		return err
	}
	if g.queue != nil {
		g.queue.Start()
	}
	if g.control != nil {
		if err := g.control.Start(); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf("%s:%d", g.settings.Host, g.settings.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	g.serverMu.Lock()
	g.server = srv
	g.serverMu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info("gateway listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.drain()
			return err
		}
	case <-ctx.Done():
	case <-g.stopCh:
	}
	return g.drain()
}

// Shutdown requests a graceful stop. Safe to call more than once; used by
// the admin plane's shutdown command and signal handling.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gateway) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	g.serverMu.Lock()
	srv := g.server
	g.serverMu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("http server shutdown", zap.Error(err))
		}
	}
	if g.control != nil {
		g.control.Stop()
	}

	g.schedMu.Lock()
	if g.schedCancel != nil {
		g.schedCancel()
		g.schedCancel = nil
	}
	g.schedMu.Unlock()

	if g.queue != nil {
		g.queue.Shutdown(ctx)
	}
	g.sql.Close()
	if g.redis != nil {
		g.redis.Close()
	}
	if g.locks != nil {
		g.locks.Close()
	}
	logging.Info("gateway stopped")
	return nil
}
