package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreAppendAssignsSequence(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	first, err := s.Append(ctx, "cs101", Message{User: "Alice", Text: "hi"})
	require.NoError(t, err)
	second, err := s.Append(ctx, "cs101", Message{User: "Bob", Text: "hello"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "cs101", first.ChannelID)
	assert.False(t, first.Timestamp.IsZero())
}

func TestMemStoreFIFORoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "cs101", Message{User: "Alice", Text: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}

	history, err := s.FetchHistory(ctx, "cs101", 0)
	require.NoError(t, err)
	require.Len(t, history, 10)

	for i, m := range history {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), m.Text)
		assert.Equal(t, "Alice", m.User)
	}
}

func TestMemStoreHistoryLimitIsStablePrefix(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "cs101", Message{User: "u", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	first, err := s.FetchHistory(ctx, "cs101", 3)
	require.NoError(t, err)
	again, err := s.FetchHistory(ctx, "cs101", 3)
	require.NoError(t, err)

	assert.Equal(t, first, again)
	require.Len(t, first, 3)
	assert.Equal(t, int64(1), first[0].Seq)
}

func TestMemStoreChannelsAreIsolated(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "cs101", Message{User: "a", Text: "one"})
	require.NoError(t, err)
	stored, err := s.Append(ctx, "math202", Message{User: "b", Text: "two"})
	require.NoError(t, err)

	// Sequences are per channel, not global.
	assert.Equal(t, int64(1), stored.Seq)

	history, err := s.FetchHistory(ctx, "math202", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "two", history[0].Text)
}

func TestMemStoreRejectsEmptyBody(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "cs101", Message{User: "Alice", Text: "   "})
	require.ErrorIs(t, err, ErrEmptyBody)

	history, err := s.FetchHistory(ctx, "cs101", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemStoreRejectsEmptyChannel(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "", Message{User: "Alice", Text: "hi"})
	require.ErrorIs(t, err, ErrEmptyChannel)

	_, err = s.FetchHistory(ctx, "", 0)
	require.ErrorIs(t, err, ErrEmptyChannel)
}

func TestMemStoreUnknownChannelIsEmpty(t *testing.T) {
	s := NewMemStore()

	history, err := s.FetchHistory(context.Background(), "never-used", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
