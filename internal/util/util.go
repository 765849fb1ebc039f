package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Task ids are the hex form of a 16 byte uuid, always 32 lowercase chars.
var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func CheckID(id string) bool {
	return idPattern.MatchString(id)
}

// CheckInt bounds numeric task fields to a non-negative int32 range.
func CheckInt(x int) bool {
	return x >= 0 && x <= 2147483647
}

// Compress deflates raw bytes with zlib. Empty input stays empty so absent
// payloads round-trip as absent.
func Compress(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressed data: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib-compressed bytes.
func Decompress(zipped []byte) ([]byte, error) {
	if len(zipped) == 0 {
		return nil, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(zipped))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed data: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	return raw, nil
}

// DecompressTruncate inflates a compressed field into display text capped at
// maxLen characters.
func DecompressTruncate(zipped []byte, maxLen int) (string, error) {
	raw, err := Decompress(zipped)
	if err != nil {
		return "", err
	}
	if maxLen > 0 && len(raw) > maxLen {
		return string(raw[:maxLen]) + "...", nil
	}
	return string(raw), nil
}

// Retry runs fn up to times attempts with a fixed interval in between,
// optionally sleeping before the first attempt. It returns the first nil
// error, or the last error once all attempts are spent. A cancelled context
// stops further attempts.
func Retry(ctx context.Context, times int, interval time.Duration, sleepFirst bool, log zerolog.Logger, tag string, fn func() error) error {
	if sleepFirst {
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
	var err error
	for attempt := 1; attempt <= times; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("op", tag).Int("attempt", attempt).Int("chances_left", times-attempt).
			Msg("operation failed")
		if attempt < times {
			if serr := sleep(ctx, interval); serr != nil {
				return serr
			}
		}
	}
	log.Error().Str("op", tag).Msg("operation failed after all retries")
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
