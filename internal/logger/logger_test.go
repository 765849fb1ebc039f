package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "tribunal-test")

	log.Info().Msg("hello")

	require.Contains(t, buf.String(), `"service":"tribunal-test"`)
	require.Contains(t, buf.String(), `"message":"hello"`)
}

func TestNewHonorsLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	log := New(&buf, "tribunal-test")

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	require.NotContains(t, buf.String(), "dropped")
	require.Contains(t, buf.String(), "kept")
}

func TestNewIgnoresBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "shouting")

	var buf bytes.Buffer
	log := New(&buf, "tribunal-test")

	log.Info().Msg("still info")
	require.Contains(t, buf.String(), "still info")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	scoped := New(&buf, "tribunal-test").With().Str("request_id", "req-1").Logger()

	ctx := WithContext(context.Background(), scoped)
	log := FromContext(ctx)
	log.Info().Msg("scoped")

	require.Contains(t, buf.String(), `"request_id":"req-1"`)
}

func TestFromContextFallsBackToRoot(t *testing.T) {
	var buf bytes.Buffer
	prev := Log
	Log = New(&buf, "tribunal-test")
	t.Cleanup(func() { Log = prev })

	log := FromContext(context.Background())
	log.Info().Msg("root")
	require.Contains(t, buf.String(), "root")
}
