package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/tubechat/pkg/statestore"
)

// ConversationStore persists conversations under chat_<resourceId>.
type ConversationStore struct {
	store     statestore.Store
	retention time.Duration
}

func NewConversationStore(store statestore.Store, retention time.Duration) *ConversationStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &ConversationStore{store: store, retention: retention}
}

func (s *ConversationStore) Retention() time.Duration {
	if s == nil {
		return DefaultRetention
	}
	return s.retention
}

func (s *ConversationStore) Save(ctx context.Context, c *Conversation) error {
	if s == nil || s.store == nil {
		return errors.New("conversation store: nil store")
	}
	if c == nil || strings.TrimSpace(c.ResourceID) == "" {
		return errors.New("conversation store: conversation has no resource id")
	}
	return s.store.Set(ctx, statestore.ConversationKey(c.ResourceID), c)
}

// Load returns the persisted conversation for resourceID when it exists and
// is not stale. Stale records are deleted.
func (s *ConversationStore) Load(ctx context.Context, resourceID string, now time.Time) (*Conversation, bool, error) {
	if s == nil || s.store == nil {
		return nil, false, errors.New("conversation store: nil store")
	}
	if strings.TrimSpace(resourceID) == "" {
		return nil, false, nil
	}
	key := statestore.ConversationKey(resourceID)
	var c Conversation
	ok, err := s.store.Get(ctx, key, &c)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.IsStale(now, s.retention) {
		if err := s.store.Delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if c.ResourceID == "" {
		c.ResourceID = resourceID
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c, true, nil
}

func (s *ConversationStore) Delete(ctx context.Context, resourceID string) error {
	if s == nil || s.store == nil {
		return errors.New("conversation store: nil store")
	}
	return s.store.Delete(ctx, statestore.ConversationKey(resourceID))
}

// Prune removes every stale conversation and returns how many were dropped.
func (s *ConversationStore) Prune(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.store == nil {
		return 0, errors.New("conversation store: nil store")
	}
	keys, err := s.store.Keys(ctx, statestore.ConversationKeyPrefix)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, k := range keys {
		var c Conversation
		ok, err := s.store.Get(ctx, k, &c)
		if err != nil {
			return dropped, err
		}
		if ok && c.IsStale(now, s.retention) {
			if err := s.store.Delete(ctx, k); err != nil {
				return dropped, err
			}
			dropped++
		}
	}
	return dropped, nil
}
