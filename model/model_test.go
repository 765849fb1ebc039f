package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pending", StatusPending.String())
	require.Equal(t, "compile_failed", StatusCompileFailed.String())
	require.Equal(t, "unknown_error", StatusUnknownError.String())
	require.Equal(t, "invalid", Status(42).String())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusCompileFailed, StatusRunFailed, StatusSuccess, StatusCancelled, StatusUnknownError}
	for _, s := range terminal {
		require.True(t, s.Terminal(), s.String())
	}
	for _, s := range []Status{StatusPending, StatusCompiling, StatusRunning, StatusRetrying} {
		require.False(t, s.Terminal(), s.String())
	}
}

func TestBriefStripsPayloads(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := Task{
		ID:         "0123456789abcdef0123456789abcdef",
		User:       7,
		Compile:    &Compile{Source: []byte("big"), Command: []byte("zipped"), Timeout: 10},
		Execute:    &Execute{Input: []byte("zipped"), Command: []byte("zipped"), Timeout: 10},
		AddTime:    now,
		Status:     StatusRunning,
		Executor:   "e1",
		ReportTime: now,
		Result:     &Result{ExecuteOutput: []byte("zipped")},
	}

	brief := task.Brief()
	require.Equal(t, task.ID, brief.ID)
	require.Equal(t, task.User, brief.User)
	require.Equal(t, task.Status, brief.Status)
	require.Equal(t, task.Executor, brief.Executor)
	require.Equal(t, task.AddTime, brief.AddTime)
}

func TestOversized(t *testing.T) {
	t.Parallel()

	small := Task{ID: "0123456789abcdef0123456789abcdef"}
	require.False(t, small.Oversized())

	big := Task{
		ID:      "0123456789abcdef0123456789abcdef",
		Compile: &Compile{Source: make([]byte, MaxRecordSize)},
	}
	require.True(t, big.Oversized())
}
