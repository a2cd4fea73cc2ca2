// Package daemon is the process core: layered config, the module
// lifecycle, the activity event bus and the HTTP API around them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	Config *Config
	Events *EventBus

	modules   []Module
	startedAt time.Time
	healthy   atomic.Bool
}

func New(cfg *Config) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return &Daemon{
		Config:    cfg,
		Events:    NewEventBus(),
		startedAt: time.Now(),
	}, nil
}

// RegisterModule adds m. Modules start in registration order.
func (d *Daemon) RegisterModule(m Module) error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	for _, existing := range d.modules {
		if existing.Name() == name {
			return fmt.Errorf("module already registered: %s", name)
		}
	}
	d.modules = append(d.modules, m)
	return nil
}

// Handler returns the HTTP API: /health, /v1/events and module routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/events", d.handleEvents)
	for _, m := range d.modules {
		m.RegisterRoutes(mux)
	}
	return mux
}

// Run initializes every module, serves the HTTP API and runs the modules
// until ctx is cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.initModules(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.Config.HTTPAddr)
	if err != nil {
		d.stopModules()
		return fmt.Errorf("listen %s: %w", d.Config.HTTPAddr, err)
	}
	srv := &http.Server{Addr: d.Config.HTTPAddr, Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	for _, m := range d.modules {
		mod := m
		g.Go(func() error {
			slog.Info("module starting", "module", mod.Name())
			err := mod.Start(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("exited unexpectedly")
			}
			return fmt.Errorf("module %s: %w", mod.Name(), err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		d.healthy.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	d.healthy.Store(true)
	d.Events.Status("", d.Config.Name+" running")

	err = g.Wait()
	d.stopModules()
	d.Events.Failure(err)
	return err
}

func (d *Daemon) initModules() error {
	for _, m := range d.modules {
		if err := m.Init(d); err != nil {
			return fmt.Errorf("init module %s: %w", m.Name(), err)
		}
	}
	return nil
}

// stopModules stops modules in reverse start order.
func (d *Daemon) stopModules() {
	for i := len(d.modules) - 1; i >= 0; i-- {
		m := d.modules[i]
		if err := m.Stop(); err != nil {
			slog.Warn("module stop failed", "module", m.Name(), "error", err)
		}
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.healthy.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s"}`, time.Since(d.startedAt).Round(time.Second))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents streams the event bus as SSE, starting with recent events.
// ?chat=ID limits the stream to one chat plus daemon lifecycle events.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	chat := r.URL.Query().Get("chat")
	events, cancel := d.Events.Watch(chat)
	defer cancel()

	for _, e := range d.Events.History(chat, streamReplay) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}
