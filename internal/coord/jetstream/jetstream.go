package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tribunal/tribunal/internal/coord"
)

// KV implements coord.Store on one JetStream key-value bucket. The bucket TTL
// stands in for per-key TTLs: every write restarts the key's clock.
type KV struct {
	kv nats.KeyValue
}

func New(nc *nats.Conn, bucket string, ttl time.Duration) (coord.Store, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			TTL:     ttl,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open kv bucket %s: %w", bucket, err)
	}

	return &KV{kv: kv}, nil
}

func (s *KV) Get(ctx context.Context, key string) (string, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

func (s *KV) List(ctx context.Context) ([]coord.Entry, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	entries := make([]coord.Entry, 0, len(keys))
	for _, k := range keys {
		entry, err := s.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// expired between listing and read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get key %s: %w", k, err)
		}
		entries = append(entries, coord.Entry{Key: k, Value: string(entry.Value())})
	}
	return entries, nil
}

func (s *KV) Set(ctx context.Context, key, value string, opts coord.SetOptions) error {
	if opts.InsertOnly {
		_, err := s.kv.Create(key, []byte(value))
		if errors.Is(err, nats.ErrKeyExists) {
			return coord.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to create key %s: %w", key, err)
		}
		return nil
	}

	if opts.PrevValue != "" {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return coord.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to get key %s before swap: %w", key, err)
		}
		if string(entry.Value()) != opts.PrevValue {
			return coord.ErrConflict
		}
		if _, err := s.kv.Update(key, []byte(value), entry.Revision()); err != nil {
			if isWrongSequence(err) {
				return coord.ErrConflict
			}
			return fmt.Errorf("failed to swap key %s: %w", key, err)
		}
		return nil
	}

	if _, err := s.kv.Put(key, []byte(value)); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key string, opts coord.DeleteOptions) error {
	if opts.PrevValue != "" {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return coord.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to get key %s before delete: %w", key, err)
		}
		if string(entry.Value()) != opts.PrevValue {
			return coord.ErrConflict
		}
		if err := s.kv.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
			if isWrongSequence(err) {
				return coord.ErrConflict
			}
			return fmt.Errorf("failed to delete key %s: %w", key, err)
		}
		return nil
	}

	if err := s.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// isWrongSequence matches the stream rejection raised when a revision-checked
// write races another writer.
func isWrongSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
