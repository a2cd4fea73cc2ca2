// Package matrix implements the Matrix channel for pibot using mautrix-go.
// Matrix has no inline keyboards, so menu buttons are rendered as
// "/pick <token>" hints and a /pick command is delivered as a callback.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/pibot/pkg/channel"
)

// PickCommand selects a menu entry on transports without buttons.
const PickCommand = "pick"

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string
	UserID     string // e.g., "pibot"
	Password   string
	ServerName string // e.g., "matrix.example.com"
	DataDir    string
}

// Channel implements the channel.Channel interface for Matrix.
type Channel struct {
	config    Config
	handler   channel.MessageHandler
	startTime int64

	mu     sync.Mutex
	client *mautrix.Client

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start connects to Matrix and begins listening for messages.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	// in-memory sync store, resyncs on restart
	client.Store = mautrix.NewMemorySyncStore()

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials first, then password login with
// exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		if isPermanentLoginError(err) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

func isPermanentLoginError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "M_FORBIDDEN") ||
		strings.Contains(s, "M_UNKNOWN_TOKEN") ||
		strings.Contains(s, "M_INVALID_PARAM")
}

// Send sends a message to a Matrix room. Buttons become /pick hints.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("matrix channel not started")
	}

	roomID := id.RoomID(resp.ChatID)
	content := render(resp)
	if _, err := client.SendText(ctx, roomID, content); err != nil {
		slog.Error("matrix send failed", "room", roomID, "len", len(content), "error", err)
		return fmt.Errorf("matrix send: %w", err)
	}
	slog.Debug("matrix message sent", "room", roomID, "len", len(content))
	return nil
}

// Stop gracefully shuts down the Matrix channel.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// render appends one "/pick <token> - <label>" line per button.
func render(resp channel.Response) string {
	if len(resp.Buttons) == 0 {
		return resp.Content
	}
	var sb strings.Builder
	sb.WriteString(resp.Content)
	sb.WriteString("\n")
	for _, b := range resp.Buttons {
		fmt.Fprintf(&sb, "\n/%s %s - %s", PickCommand, b.Data, b.Label)
	}
	return sb.String()
}

// toMessage converts a room message body into a channel message.
func toMessage(sender, room, body string, ts int64) channel.Message {
	msg := channel.Message{
		Source:    "matrix",
		SenderID:  sender,
		ChatID:    room,
		Content:   body,
		Timestamp: ts,
	}
	name, args, ok := channel.ParseCommand(body)
	switch {
	case !ok:
	case name == PickCommand && args != "":
		msg.Callback = args
	default:
		msg.Command, msg.Args = name, args
	}
	return msg
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	// skip backlog from before we started
	if evt.Timestamp < c.startTime {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" {
		return
	}

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msgContent.Body, 100),
	)

	msg := toMessage(string(evt.Sender), string(evt.RoomID), msgContent.Body, evt.Timestamp)
	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// --- Credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save Matrix credentials", "error", err)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
