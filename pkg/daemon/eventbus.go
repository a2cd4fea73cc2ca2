package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types on the activity stream.
const (
	EventCommand = "command" // a chat command ran, with its audit outcome
	EventAlert   = "alert"   // a monitor crossed its threshold
	EventStatus  = "status"  // lifecycle: daemon running, channel starting
	EventError   = "error"   // the daemon stopped on an error
)

// Level values for status events.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	historySize  = 200
	subscriberQ  = 64
	streamReplay = 50
)

// Event is one entry on the activity stream.
type Event struct {
	Type    string `json:"type"`
	Source  string `json:"source,omitempty"`  // channel name: "telegram", "matrix"
	Chat    string `json:"chat,omitempty"`    // chat the event belongs to
	Command string `json:"command,omitempty"` // command events only
	Outcome string `json:"outcome,omitempty"` // command events: ok, usage, failed, panic
	Message string `json:"message,omitempty"` // alert text, status line, or command error
	Level   string `json:"level,omitempty"`
	TS      string `json:"ts"`
}

// MarshalEvent encodes e as one SSE data payload, stamping TS if unset.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// inChat reports whether e concerns chat. Events without a chat
// (daemon lifecycle) belong to every chat, and "" matches everything.
func (e Event) inChat(chat string) bool {
	return chat == "" || e.Chat == "" || e.Chat == chat
}

type watcher struct {
	chat string
	ch   chan Event
}

// EventBus keeps a bounded history of bot activity and fans new events
// out to watchers. Publishing never blocks: a watcher whose queue is full
// misses the event and can catch up from History.
type EventBus struct {
	mu       sync.RWMutex
	watchers map[*watcher]struct{}

	histMu sync.Mutex
	hist   [historySize]Event
	next   int // slot for the next event
	filled bool
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{watchers: make(map[*watcher]struct{})}
}

// CommandRun records the outcome of a dispatched chat command. errText
// is the failure reason, empty on success.
func (eb *EventBus) CommandRun(source, chat, command, outcome, errText string) {
	eb.Publish(Event{
		Type:    EventCommand,
		Source:  source,
		Chat:    chat,
		Command: command,
		Outcome: outcome,
		Message: errText,
	})
}

// Alert records a monitor alert delivered to chat.
func (eb *EventBus) Alert(source, chat, text string) {
	eb.Publish(Event{Type: EventAlert, Source: source, Chat: chat, Message: text, Level: LevelWarn})
}

// Status records an informational lifecycle line.
func (eb *EventBus) Status(source, text string) {
	eb.Publish(Event{Type: EventStatus, Source: source, Message: text, Level: LevelInfo})
}

// Failure records the error that stopped the daemon.
func (eb *EventBus) Failure(err error) {
	if err == nil {
		return
	}
	eb.Publish(Event{Type: EventError, Message: err.Error(), Level: LevelError})
}

// Publish stamps e, appends it to the history and offers it to every
// watcher of its chat.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.histMu.Lock()
	eb.hist[eb.next] = e
	eb.next = (eb.next + 1) % historySize
	if eb.next == 0 {
		eb.filled = true
	}
	eb.histMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for w := range eb.watchers {
		if !e.inChat(w.chat) {
			continue
		}
		select {
		case w.ch <- e:
		default:
		}
	}
}

// Watch streams new events for chat ("" for all chats) until cancel is
// called. cancel closes the channel and may be called more than once.
func (eb *EventBus) Watch(chat string) (events <-chan Event, cancel func()) {
	w := &watcher{chat: chat, ch: make(chan Event, subscriberQ)}
	eb.mu.Lock()
	eb.watchers[w] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.watchers, w)
			close(w.ch)
			eb.mu.Unlock()
		})
	}
}

// Recent returns up to the last n events, oldest first. n <= 0 returns
// the whole history.
func (eb *EventBus) Recent(n int) []Event {
	return eb.History("", n)
}

// History returns up to the last n events concerning chat, oldest first.
// chat "" matches every event and n <= 0 means no limit.
func (eb *EventBus) History(chat string, n int) []Event {
	eb.histMu.Lock()
	defer eb.histMu.Unlock()

	size, first := eb.next, 0
	if eb.filled {
		size, first = historySize, eb.next
	}
	var out []Event
	for i := size - 1; i >= 0; i-- {
		e := eb.hist[(first+i)%historySize]
		if !e.inChat(chat) {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Watchers returns the number of open watches.
func (eb *EventBus) Watchers() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.watchers)
}
