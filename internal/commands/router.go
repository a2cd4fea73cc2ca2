package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/nous-labs/pibot/internal/audit"
	"github.com/nous-labs/pibot/internal/executor"
	"github.com/nous-labs/pibot/internal/monitor"
	"github.com/nous-labs/pibot/pkg/channel"
	"github.com/nous-labs/pibot/pkg/chunk"
)

// Handler executes one command. Failures are returned, not replied:
// the router turns them into a chat message.
type Handler interface {
	Handle(ctx context.Context, req *Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) error

func (f HandlerFunc) Handle(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// Sender delivers responses to a chat.
type Sender interface {
	Send(ctx context.Context, resp channel.Response) error
}

// Monitors starts and stops metric monitors.
type Monitors interface {
	Start(cfg monitor.Config) error
	Stop(m monitor.Metric) error
}

// Publisher receives activity events. *daemon.EventBus implements it.
type Publisher interface {
	CommandRun(source, chat, command, outcome, errText string)
}

// Settings tune handler behaviour.
type Settings struct {
	CPUTempThreshold float64
	RAMThreshold     float64
	MonitorInterval  time.Duration

	WiFiInterface string
	SpeedtestPath string
	// ScanSettle is how long radio scans run before results are read.
	ScanSettle time.Duration
	UseSudo    bool

	MaxMessage int
	Pace       time.Duration

	ExternalIPURL string
}

// DefaultSettings returns the settings of a stock Raspberry Pi install.
func DefaultSettings() Settings {
	return Settings{
		CPUTempThreshold: 62,
		RAMThreshold:     80,
		MonitorInterval:  monitor.DefaultInterval,
		WiFiInterface:    "wlan1",
		SpeedtestPath:    "/usr/local/bin/speedtest-cli",
		ScanSettle:       20 * time.Second,
		UseSudo:          true,
		MaxMessage:       chunk.DefaultMaxSize,
		Pace:             chunk.DefaultPace,
		ExternalIPURL:    "https://api.ipify.org",
	}
}

// Deps are the collaborators of a Router. Audit, Events and HTTPClient
// are optional.
type Deps struct {
	Sender     Sender
	Exec       executor.Executor
	Monitors   Monitors
	Audit      audit.Recorder
	Events     Publisher
	HTTPClient *http.Client
}

// Router resolves commands and callbacks to handlers.
type Router struct {
	deps     Deps
	settings Settings
	handlers map[ID]Handler

	// sleep waits between triggering a scan and reading its results.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a router and checks that every command has a handler.
func New(deps Deps, settings Settings) (*Router, error) {
	if deps.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if deps.Exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Monitors == nil {
		return nil, fmt.Errorf("monitors is required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if settings.MaxMessage <= 0 {
		settings.MaxMessage = chunk.DefaultMaxSize
	}
	if settings.MonitorInterval <= 0 {
		settings.MonitorInterval = monitor.DefaultInterval
	}

	r := &Router{deps: deps, settings: settings, sleep: sleepContext}
	r.handlers = r.handlerTable()
	if err := validateRegistry(registry); err != nil {
		return nil, err
	}
	for id := ID(0); id < numIDs; id++ {
		if r.handlers[id] == nil {
			return nil, fmt.Errorf("command id %d has no handler", id)
		}
	}
	return r, nil
}

// Dispatch handles one inbound message. Unknown commands and plain text
// are ignored. The returned error only reports a failed reply.
func (r *Router) Dispatch(ctx context.Context, msg channel.Message) error {
	if msg.IsCallback() {
		return r.handleCallback(ctx, msg)
	}
	if msg.Command == "" {
		return nil
	}
	cmd, ok := Lookup(msg.Command)
	if !ok {
		slog.Debug("unknown command", "command", msg.Command, "chat", msg.ChatID, "source", msg.Source)
		return nil
	}
	return r.runCommand(ctx, msg, cmd)
}

// GroupListing renders the menu page of g.
func GroupListing(g Group) string {
	var sb strings.Builder
	sb.WriteString(g.String() + " commands:\n\n")
	for _, c := range InGroup(g) {
		fmt.Fprintf(&sb, "/%s - %s\n", c.Name, c.Description)
	}
	return sb.String()
}

// HelpText lists every command once, root commands first.
func HelpText() string {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, c := range All() {
		fmt.Fprintf(&sb, "/%s - %s\n", c.Name, c.Description)
	}
	return sb.String()
}

func (r *Router) handleCallback(ctx context.Context, msg channel.Message) error {
	text := InvalidGroupText
	if g, ok := GroupForToken(msg.Callback); ok {
		text = GroupListing(g)
	} else {
		slog.Debug("menu callback rejected", "token", msg.Callback, "chat", msg.ChatID, "error", ErrUnknownGroup)
	}
	return r.deps.Sender.Send(ctx, channel.Response{Content: text, ChatID: msg.ChatID})
}

func (r *Router) runCommand(ctx context.Context, msg channel.Message, cmd Command) error {
	req := &Request{Command: cmd, Args: msg.Args, Message: msg, router: r}
	started := time.Now()

	outcome, err := r.invoke(ctx, req)

	var replyErr error
	switch outcome {
	case audit.OutcomeUsage:
		var ue *UsageError
		errors.As(err, &ue)
		replyErr = req.Reply(ctx, ue.Reply())
	case audit.OutcomeFailed:
		notice := genericFailure(cmd.Name)
		var ne *noticeError
		if errors.As(err, &ne) {
			notice = ne.notice
		}
		replyErr = req.Reply(ctx, notice)
	case audit.OutcomePanic:
		replyErr = req.Reply(ctx, genericFailure(cmd.Name))
	}

	logArgs := []any{
		"command", cmd.Name,
		"chat", msg.ChatID,
		"sender", msg.SenderID,
		"outcome", outcome,
		"duration", time.Since(started).Round(time.Millisecond),
	}
	if err != nil {
		slog.Warn("command failed", append(logArgs, "error", err)...)
	} else {
		slog.Info("command handled", logArgs...)
	}

	r.record(ctx, req, outcome, err)
	return replyErr
}

// invoke runs the handler, converting a panic into the panic outcome.
func (r *Router) invoke(ctx context.Context, req *Request) (outcome string, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("command handler panicked",
				"command", req.Command.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			outcome, err = audit.OutcomePanic, fmt.Errorf("panic: %v", p)
		}
	}()

	err = r.handlers[req.Command.ID].Handle(ctx, req)
	var ue *UsageError
	switch {
	case err == nil:
		return audit.OutcomeOK, nil
	case errors.As(err, &ue):
		return audit.OutcomeUsage, err
	default:
		return audit.OutcomeFailed, err
	}
}

func (r *Router) record(ctx context.Context, req *Request, outcome string, err error) {
	entry := audit.Entry{
		At:          time.Now(),
		Source:      req.Message.Source,
		ChatID:      req.Message.ChatID,
		SenderID:    req.Message.SenderID,
		Command:     req.Command.Name,
		Args:        req.Args,
		Outcome:     outcome,
		Destructive: req.Command.Destructive,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := r.deps.Audit.Record(actx, entry); rerr != nil {
		slog.Warn("audit record failed", "command", entry.Command, "error", rerr)
	}

	if r.deps.Events != nil {
		r.deps.Events.CommandRun(entry.Source, entry.ChatID, entry.Command, outcome, entry.Error)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
