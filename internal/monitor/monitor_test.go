package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// seqSource replays fixed readings per metric, then reports the metric as
// unavailable.
type seqSource struct {
	mu       sync.Mutex
	readings map[Metric][]float64
	reads    map[Metric]int
}

func newSeqSource(readings map[Metric][]float64) *seqSource {
	return &seqSource{readings: readings, reads: make(map[Metric]int)}
}

func (s *seqSource) Read(_ context.Context, m Metric) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reads[m]
	s.reads[m]++
	if i >= len(s.readings[m]) {
		return 0, ErrMetricUnavailable
	}
	return s.readings[m][i], nil
}

func (s *seqSource) count(m Metric) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[m]
}

type alert struct {
	chat string
	text string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (n *recordingNotifier) Notify(_ context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert{chat: chatID, text: text})
	return nil
}

func (n *recordingNotifier) snapshot() []alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert(nil), n.alerts...)
}

func TestEngine_AlertsOnlyAboveThreshold(t *testing.T) {
	src := newSeqSource(map[Metric][]float64{RAMPercent: {70, 85, 90, 75}})
	n := &recordingNotifier{}
	e := NewEngine(src, n)
	defer e.Close()

	require.NoError(t, e.Start(Config{Metric: RAMPercent, Threshold: 80, Interval: 5 * time.Millisecond, ChatID: "42"}))

	require.Eventually(t, func() bool { return src.count(RAMPercent) >= 6 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Stop(RAMPercent))

	assert.Equal(t, []alert{
		{chat: "42", text: RAMPercent.AlertText(85)},
		{chat: "42", text: RAMPercent.AlertText(90)},
	}, n.snapshot())
}

func TestEngine_ValueEqualToThresholdDoesNotAlert(t *testing.T) {
	src := newSeqSource(map[Metric][]float64{CPUTemp: {62, 62}})
	n := &recordingNotifier{}
	e := NewEngine(src, n)
	defer e.Close()

	require.NoError(t, e.Start(Config{Metric: CPUTemp, Threshold: 62, Interval: time.Millisecond}))
	require.Eventually(t, func() bool { return src.count(CPUTemp) >= 3 }, 2*time.Second, time.Millisecond)

	assert.Empty(t, n.snapshot())
}

func TestEngine_RejectsDoubleStart(t *testing.T) {
	e := NewEngine(newSeqSource(nil), &recordingNotifier{})
	defer e.Close()

	cfg := Config{Metric: CPUTemp, Threshold: 62, Interval: time.Hour}
	require.NoError(t, e.Start(cfg))

	err := e.Start(cfg)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, e.Sessions(), 1)
}

func TestEngine_StopIsPerMetric(t *testing.T) {
	src := newSeqSource(map[Metric][]float64{CPUTemp: {99, 99, 99, 99, 99, 99, 99, 99}})
	n := &recordingNotifier{}
	e := NewEngine(src, n)
	defer e.Close()

	require.NoError(t, e.Start(Config{Metric: CPUTemp, Threshold: 62, Interval: 2 * time.Millisecond}))
	require.NoError(t, e.Start(Config{Metric: RAMPercent, Threshold: 80, Interval: time.Hour}))

	require.NoError(t, e.Stop(RAMPercent))
	assert.True(t, e.Running(CPUTemp))
	assert.False(t, e.Running(RAMPercent))

	// The CPU loop keeps polling after the RAM monitor is stopped.
	before := src.count(CPUTemp)
	require.Eventually(t, func() bool { return src.count(CPUTemp) > before+1 }, 2*time.Second, time.Millisecond)
}

func TestEngine_StopNotRunning(t *testing.T) {
	e := NewEngine(newSeqSource(nil), &recordingNotifier{})
	defer e.Close()

	assert.ErrorIs(t, e.Stop(CPUTemp), ErrNotRunning)
}

func TestEngine_NoAlertsAfterStop(t *testing.T) {
	readings := make([]float64, 1000)
	for i := range readings {
		readings[i] = 95
	}
	src := newSeqSource(map[Metric][]float64{RAMPercent: readings})
	n := &recordingNotifier{}
	e := NewEngine(src, n)
	defer e.Close()

	interval := 10 * time.Millisecond
	require.NoError(t, e.Start(Config{Metric: RAMPercent, Threshold: 80, Interval: interval}))
	require.Eventually(t, func() bool { return len(n.snapshot()) >= 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, e.Stop(RAMPercent))
	atStop := len(n.snapshot())

	// Allow the loop to wake and observe the cleared flag. A tick that had
	// already passed its flag check when Stop ran may still deliver.
	time.Sleep(5 * interval)
	settled := len(n.snapshot())
	assert.LessOrEqual(t, settled, atStop+1)

	time.Sleep(5 * interval)
	assert.Equal(t, settled, len(n.snapshot()))
}

func TestEngine_RestartAfterStop(t *testing.T) {
	e := NewEngine(newSeqSource(nil), &recordingNotifier{})
	defer e.Close()

	cfg := Config{Metric: CPUTemp, Threshold: 62, Interval: time.Hour}
	require.NoError(t, e.Start(cfg))
	require.NoError(t, e.Stop(CPUTemp))
	require.NoError(t, e.Start(cfg))
	assert.True(t, e.Running(CPUTemp))
}

type failingSource struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSource) Read(context.Context, Metric) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls%2 == 1 {
		return 0, errors.New("sensor cpu_thermal not found")
	}
	return 100, nil
}

func (f *failingSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEngine_ReadFailureSkipsTick(t *testing.T) {
	src := &failingSource{}
	n := &recordingNotifier{}
	e := NewEngine(src, n)
	defer e.Close()

	require.NoError(t, e.Start(Config{Metric: CPUTemp, Threshold: 62, Interval: time.Millisecond}))
	require.Eventually(t, func() bool { return src.count() >= 4 }, 2*time.Second, time.Millisecond)
	require.NoError(t, e.Stop(CPUTemp))

	assert.NotEmpty(t, n.snapshot(), "loop must continue after failed reads")
}

func TestEngine_CloseInterruptsSleep(t *testing.T) {
	e := NewEngine(newSeqSource(nil), &recordingNotifier{})
	require.NoError(t, e.Start(Config{Metric: CPUTemp, Threshold: 62, Interval: time.Hour}))

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.ErrorIs(t, e.Start(Config{Metric: CPUTemp}), ErrClosed)
	assert.Empty(t, e.Sessions())
}

func TestEngine_DefaultInterval(t *testing.T) {
	e := NewEngine(newSeqSource(nil), &recordingNotifier{})
	defer e.Close()

	require.NoError(t, e.Start(Config{Metric: RAMPercent, Threshold: 80, ChatID: "7"}))
	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, DefaultInterval.String(), sessions[0].Interval)
	assert.Equal(t, "ram_percent", sessions[0].Metric)
	assert.Equal(t, "7", sessions[0].ChatID)
}

func TestMetricText(t *testing.T) {
	assert.Equal(t, "CPU temperature is too high (70.5°C)", CPUTemp.AlertText(70.5))
	assert.Equal(t, "RAM usage is too high (91.0%)", RAMPercent.AlertText(91))
	assert.Equal(t, "CPU temperature", CPUTemp.Title())
	assert.Equal(t, "RAM usage", RAMPercent.Title())
}
