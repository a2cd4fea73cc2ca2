// Package monitor runs background threshold monitors for system metrics.
//
// Each started monitor is a session keyed by its metric with its own running
// flag and its own polling goroutine. On every tick the loop reads the metric,
// compares it to the threshold and sends at most one alert to the session's
// chat. Stopping is advisory: Stop clears the flag and the loop exits the
// next time it wakes, so stop latency is bounded by the poll interval.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metric identifies a monitored system value.
type Metric int

const (
	CPUTemp Metric = iota
	RAMPercent
)

func (m Metric) String() string {
	switch m {
	case CPUTemp:
		return "cpu_temp"
	case RAMPercent:
		return "ram_percent"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// Title is the human-readable metric name used in chat replies.
func (m Metric) Title() string {
	switch m {
	case CPUTemp:
		return "CPU temperature"
	case RAMPercent:
		return "RAM usage"
	default:
		return m.String()
	}
}

// AlertText formats the alert sent when value exceeds the threshold.
func (m Metric) AlertText(value float64) string {
	switch m {
	case CPUTemp:
		return fmt.Sprintf("CPU temperature is too high (%.1f°C)", value)
	case RAMPercent:
		return fmt.Sprintf("RAM usage is too high (%.1f%%)", value)
	default:
		return fmt.Sprintf("%s is too high (%.1f)", m, value)
	}
}

// DefaultInterval is the poll interval when a session does not set one.
const DefaultInterval = 60 * time.Second

var (
	// ErrAlreadyRunning is returned when a monitor for the metric is active.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrNotRunning is returned when stopping a metric with no active monitor.
	ErrNotRunning = errors.New("monitor not running")
	// ErrMetricUnavailable is returned by sources that cannot read a value.
	ErrMetricUnavailable = errors.New("metric unavailable")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("monitor engine closed")
)

// Source reads the current value of a metric.
type Source interface {
	Read(ctx context.Context, m Metric) (float64, error)
}

// Notifier delivers alert text to a chat.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, chatID, text string) error

func (f NotifierFunc) Notify(ctx context.Context, chatID, text string) error {
	return f(ctx, chatID, text)
}

// Config describes a monitor to start.
type Config struct {
	Metric    Metric
	Threshold float64
	Interval  time.Duration
	ChatID    string
}

// Session is a snapshot of an active monitor.
type Session struct {
	Metric    string    `json:"metric"`
	Threshold float64   `json:"threshold"`
	Interval  string    `json:"interval"`
	ChatID    string    `json:"chat_id"`
	StartedAt time.Time `json:"started_at"`
	Ticks     int64     `json:"ticks"`
	Alerts    int64     `json:"alerts"`
}

type session struct {
	cfg       Config
	running   atomic.Bool
	startedAt time.Time
	ticks     atomic.Int64
	alerts    atomic.Int64
}

// Engine owns the registry of active monitor sessions.
type Engine struct {
	source   Source
	notifier Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[Metric]*session
	closed   bool
}

// NewEngine creates an engine that reads from source and alerts via notifier.
func NewEngine(source Source, notifier Notifier) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		source:   source,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[Metric]*session),
	}
}

// Start launches a polling loop for cfg.Metric. It returns ErrAlreadyRunning
// if that metric already has an active session.
func (e *Engine) Start(cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.sessions[cfg.Metric]; ok {
		return fmt.Errorf("%s: %w", cfg.Metric, ErrAlreadyRunning)
	}

	s := &session{cfg: cfg, startedAt: time.Now()}
	s.running.Store(true)
	e.sessions[cfg.Metric] = s

	e.wg.Add(1)
	go e.loop(s)

	slog.Info("monitor started",
		"metric", cfg.Metric,
		"threshold", cfg.Threshold,
		"interval", cfg.Interval,
		"chat", cfg.ChatID,
	)
	return nil
}

// Stop clears the running flag of the metric's session and unregisters it.
// The loop observes the flag when it next wakes; a tick already in flight
// may still complete but will not alert.
func (e *Engine) Stop(m Metric) error {
	e.mu.Lock()
	s, ok := e.sessions[m]
	if ok {
		delete(e.sessions, m)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", m, ErrNotRunning)
	}
	s.running.Store(false)
	slog.Info("monitor stopped", "metric", m, "ticks", s.ticks.Load(), "alerts", s.alerts.Load())
	return nil
}

// Running reports whether m has an active session.
func (e *Engine) Running(m Metric) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[m]
	return ok
}

// Sessions returns snapshots of all active sessions ordered by metric.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, Session{
			Metric:    s.cfg.Metric.String(),
			Threshold: s.cfg.Threshold,
			Interval:  s.cfg.Interval.String(),
			ChatID:    s.cfg.ChatID,
			StartedAt: s.startedAt,
			Ticks:     s.ticks.Load(),
			Alerts:    s.alerts.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Close stops every session, interrupts sleeping loops and waits for them
// to exit. Start fails afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for m, s := range e.sessions {
		s.running.Store(false)
		delete(e.sessions, m)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) loop(s *session) {
	defer e.wg.Done()
	m := s.cfg.Metric

	for {
		if !s.running.Load() {
			slog.Debug("monitor loop exited", "metric", m)
			return
		}
		e.tick(s)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(s.cfg.Interval):
		}
	}
}

// tick performs one read-compare-alert step. It never sends more than one
// alert and never lets a read failure end the loop.
func (e *Engine) tick(s *session) {
	m := s.cfg.Metric
	s.ticks.Add(1)

	value, err := e.source.Read(e.ctx, m)
	if err != nil {
		slog.Warn("monitor tick skipped", "metric", m, "error", err)
		return
	}
	if value <= s.cfg.Threshold {
		return
	}
	if !s.running.Load() {
		return
	}

	s.alerts.Add(1)
	if err := e.notifier.Notify(e.ctx, s.cfg.ChatID, m.AlertText(value)); err != nil {
		slog.Error("monitor alert failed", "metric", m, "chat", s.cfg.ChatID, "error", err)
	}
}
