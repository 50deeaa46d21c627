package store

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used in tests and for development runs
// where history does not need to survive a restart.
type MemStore struct {
	mu       sync.RWMutex
	channels map[string][]StoredMessage
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{channels: make(map[string][]StoredMessage)}
}

// Append implements Store.
func (s *MemStore) Append(_ context.Context, channelID string, msg Message) (StoredMessage, error) {
	if channelID == "" {
		return StoredMessage{}, ErrEmptyChannel
	}
	if err := msg.Validate(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.channels[channelID]
	stored := StoredMessage{
		ChannelID: channelID,
		Seq:       int64(len(log)) + 1,
		User:      msg.User,
		Text:      msg.Text,
		Timestamp: time.Now().UTC(),
	}
	s.channels[channelID] = append(log, stored)
	return stored, nil
}

// FetchHistory implements Store.
func (s *MemStore) FetchHistory(_ context.Context, channelID string, limit int) ([]StoredMessage, error) {
	if channelID == "" {
		return nil, ErrEmptyChannel
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.channels[channelID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}

	out := make([]StoredMessage, limit)
	copy(out, log[:limit])
	return out, nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
