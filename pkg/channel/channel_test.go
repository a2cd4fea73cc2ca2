package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"/start", "start", "", true},
		{"/ping 8.8.8.8", "ping", "8.8.8.8", true},
		{"/ping@pibot example.com", "ping", "example.com", true},
		{"/echo   hello   world  ", "echo", "hello   world", true},
		{"/echo\nmulti line", "echo", "multi line", true},
		{"  /uptime", "uptime", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"/@bot", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, args, ok := ParseCommand(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestMessageIsCallback(t *testing.T) {
	assert.True(t, Message{Callback: "system"}.IsCallback())
	assert.False(t, Message{Command: "start"}.IsCallback())
}
