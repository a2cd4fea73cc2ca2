package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/nous-labs/pibot/internal/executor"
	"github.com/nous-labs/pibot/pkg/channel"
	"github.com/nous-labs/pibot/pkg/chunk"
)

// Request is one resolved command invocation.
type Request struct {
	Command Command
	Args    string
	Message channel.Message

	router *Router
}

// Reply sends text to the requesting chat, split into transport-sized
// chunks when it is too long for one message.
func (r *Request) Reply(ctx context.Context, text string) error {
	parts := chunk.Split(text, r.router.settings.MaxMessage)
	if len(parts) == 0 {
		return nil
	}
	return r.send(ctx, parts)
}

// ReplyOutput relays tool output, or a fixed notice when there is none.
func (r *Request) ReplyOutput(ctx context.Context, output string) error {
	if strings.TrimSpace(output) == "" {
		return r.Reply(ctx, NoOutputText)
	}
	return r.Reply(ctx, output)
}

// ReplyLines sends every non-blank line of text as its own message.
func (r *Request) ReplyLines(ctx context.Context, text string) error {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts = append(parts, chunk.Split(line, r.router.settings.MaxMessage)...)
	}
	if len(parts) == 0 {
		return r.Reply(ctx, NoOutputText)
	}
	return r.send(ctx, parts)
}

// ReplyMenu sends text with a row of inline choices.
func (r *Request) ReplyMenu(ctx context.Context, text string, buttons []channel.Button) error {
	return r.router.deps.Sender.Send(ctx, channel.Response{
		Content: text,
		ChatID:  r.Message.ChatID,
		Buttons: buttons,
	})
}

func (r *Request) send(ctx context.Context, parts []string) error {
	pacer := chunk.NewPacer(r.router.settings.Pace)
	for i, p := range parts {
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
		if err := r.router.deps.Sender.Send(ctx, channel.Response{Content: p, ChatID: r.Message.ChatID}); err != nil {
			return fmt.Errorf("send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// run executes a tool, prefixing sudo for privileged tools when configured.
func (r *Request) run(ctx context.Context, privileged bool, name string, args ...string) (executor.Result, error) {
	if privileged && r.router.settings.UseSudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	return r.router.deps.Exec.Run(ctx, name, args...)
}
