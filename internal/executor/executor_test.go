package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRun_CapturesStdout(t *testing.T) {
	res, err := NewLocal(0).Run(context.Background(), "echo", "hello")

	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestLocalRun_NonZeroExit(t *testing.T) {
	res, err := NewLocal(0).Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Contains(t, err.Error(), "exited with code 3: oops")
}

func TestLocalRun_MissingBinary(t *testing.T) {
	res, err := NewLocal(0).Run(context.Background(), "pibot-definitely-not-installed")

	require.Error(t, err)
	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
	assert.Equal(t, -1, res.ExitCode)
}

func TestLocalRun_Timeout(t *testing.T) {
	start := time.Now()
	_, err := NewLocal(50*time.Millisecond).Run(context.Background(), "sleep", "5")

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}
