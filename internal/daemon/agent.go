// Package daemon implements the pibot agent module: the chat channel feeds
// the command router, monitors alert back through the same channel and
// every command lands in the audit trail.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nous-labs/pibot/internal/audit"
	"github.com/nous-labs/pibot/internal/commands"
	"github.com/nous-labs/pibot/internal/executor"
	"github.com/nous-labs/pibot/internal/monitor"
	"github.com/nous-labs/pibot/internal/sysinfo"
	"github.com/nous-labs/pibot/pkg/channel"
	coredaemon "github.com/nous-labs/pibot/pkg/daemon"
)

// Options override the collaborators the agent would otherwise build from
// config. Zero fields are built in Init.
type Options struct {
	Channel    channel.Channel
	Exec       executor.Executor
	Source     monitor.Source
	Recorder   audit.Recorder
	HTTPClient *http.Client
}

// Agent is the daemon module running the bot.
type Agent struct {
	opts Options

	events   *coredaemon.EventBus
	channel  channel.Channel
	recorder audit.Recorder
	engine   *monitor.Engine
	router   *commands.Router
}

func NewAgent(opts Options) *Agent {
	return &Agent{opts: opts}
}

func (a *Agent) Name() string { return "agent" }

// Init builds the channel, audit recorder, monitor engine and router.
func (a *Agent) Init(d *coredaemon.Daemon) error {
	cfg := d.Config
	a.events = d.Events

	a.channel = a.opts.Channel
	if a.channel == nil {
		ch, err := newChannel(cfg)
		if err != nil {
			return err
		}
		a.channel = ch
	}

	a.recorder = a.opts.Recorder
	if a.recorder == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rec, err := audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return fmt.Errorf("open audit trail: %w", err)
		}
		a.recorder = rec
	}

	exec := a.opts.Exec
	if exec == nil {
		exec = executor.NewLocal(coredaemon.Duration(cfg.Exec.Timeout, executor.DefaultTimeout))
	}
	source := a.opts.Source
	if source == nil {
		source = sysinfo.New(cfg.Monitor.SensorKeys)
	}
	a.engine = monitor.NewEngine(source, monitor.NotifierFunc(a.notify))

	router, err := commands.New(commands.Deps{
		Sender:     a.channel,
		Exec:       exec,
		Monitors:   a.engine,
		Audit:      a.recorder,
		Events:     a.events,
		HTTPClient: a.opts.HTTPClient,
	}, settingsFromConfig(cfg))
	if err != nil {
		a.engine.Close()
		a.recorder.Close()
		return fmt.Errorf("build command router: %w", err)
	}
	a.router = router

	slog.Info("agent initialized",
		"channel", a.channel.Name(),
		"audit", cfg.Audit.Driver,
		"sudo", cfg.Exec.UseSudo,
	)
	return nil
}

// Start runs the chat channel until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.events.Status(a.channel.Name(), a.channel.Name()+" channel starting")
	return a.channel.Start(ctx, a.router.Dispatch)
}

// Stop halts every monitor, disconnects the channel and closes the audit
// trail.
func (a *Agent) Stop() error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.channel != nil {
		if err := a.channel.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop channel: %w", err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit trail: %w", err))
		}
	}
	return errors.Join(errs...)
}

// notify delivers a monitor alert to the chat that started the monitor.
func (a *Agent) notify(ctx context.Context, chatID, text string) error {
	a.events.Alert(a.channel.Name(), chatID, text)
	return a.channel.Send(ctx, channel.Response{ChatID: chatID, Content: text})
}
