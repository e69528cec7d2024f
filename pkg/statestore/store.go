package statestore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Well-known keys shared by the relay and the chat UI.
const (
	KeyCurrentVideo  = "currentVideo"
	KeyLastDetected  = "lastDetected"
	KeyAPIEndpoint   = "apiEndpoint"
	KeyAPIConfigured = "apiConfigured"
	KeyInstallDate   = "installDate"
	KeyVersion       = "version"

	ConversationKeyPrefix = "chat_"
)

// ConversationKey returns the key under which a video's conversation is stored.
func ConversationKey(resourceID string) string {
	return ConversationKeyPrefix + resourceID
}

// Store is a small key → JSON value store, the local persistence every
// component shares. Values are opaque to everyone but the component owning
// the key.
type Store interface {
	// Get decodes the value stored under key into out. It reports false when
	// the key is absent.
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	// SetMany writes all entries atomically where the backend allows it.
	SetMany(ctx context.Context, entries map[string]any) error
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func encodeValue(key string, value any) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("state store: key is empty")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "state store: marshal %q", key)
	}
	return b, nil
}

func decodeValue(key string, raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "state store: unmarshal %q", key)
	}
	return nil
}

// Dump reads every key with the given prefix as raw JSON values.
func Dump(ctx context.Context, s Store, prefix string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("state store: nil store")
	}
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]any, len(keys))
	for _, k := range keys {
		var v any
		ok, err := s.Get(ctx, k, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			ret[k] = v
		}
	}
	return ret, nil
}
