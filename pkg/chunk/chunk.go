// Package chunk splits long tool output into transport-sized messages and
// paces multi-message sends.
package chunk

import (
	"context"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxSize is the largest single message most chat transports accept.
	// Split measures it in runes; Telegram measures in UTF-16 code units, so
	// its binding re-splits with SplitUTF16 before sending.
	DefaultMaxSize = 4096
	// DefaultPace is the delay between consecutive messages of one burst.
	DefaultPace = 200 * time.Millisecond
)

// Split returns consecutive substrings of text, each at most maxSize
// characters long, whose concatenation is exactly text. Splits happen on
// rune boundaries so multi-byte characters are never cut in half.
// An empty text yields no chunks. maxSize <= 0 means DefaultMaxSize.
func Split(text string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if text == "" {
		return nil
	}

	chunks := make([]string, 0, utf8.RuneCountInString(text)/maxSize+1)
	start, count := 0, 0
	for i := range text {
		if count == maxSize {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(chunks, text[start:])
}

// SplitUTF16 is Split measured in UTF-16 code units. Runes outside the
// Basic Multilingual Plane count as two and are never split, so a chunk
// exceeds maxUnits only when maxUnits is 1 and the chunk is one such rune.
func SplitUTF16(text string, maxUnits int) []string {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxSize
	}
	if text == "" {
		return nil
	}

	var chunks []string
	start, count := 0, 0
	for i, r := range text {
		n := runeUnits(r)
		if count > 0 && count+n > maxUnits {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count += n
	}
	return append(chunks, text[start:])
}

// UTF16Len returns the length of text in UTF-16 code units.
func UTF16Len(text string) int {
	n := 0
	for _, r := range text {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// Pacer spaces out consecutive sends so a burst of messages does not trip
// transport-side flood limits. The first send of a burst goes out
// immediately. Wait blocks only the calling goroutine.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer allowing one send per interval.
// interval <= 0 disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next send is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
