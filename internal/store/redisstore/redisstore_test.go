package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studentconnect/relay/internal/store"
)

// openTestStore connects to the Redis named by TEST_REDIS_URL, or skips.
// Channel names are randomized so runs do not interfere with each other.
func openTestStore(t *testing.T) *RedisStore {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set, skipping redis store tests")
	}

	s, err := Open(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testChannel() string {
	return "test-" + uuid.NewString()
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not a url")
	require.Error(t, err)
}

func TestAppendAndFetchFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	channel := testChannel()

	for i := 0; i < 5; i++ {
		stored, err := s.Append(ctx, channel, store.Message{User: "Alice", Text: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), stored.Seq)
	}

	history, err := s.FetchHistory(ctx, channel, 0)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, m := range history {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), m.Text)
	}
}

func TestFetchHistoryLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	channel := testChannel()

	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, channel, store.Message{User: "u", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	history, err := s.FetchHistory(ctx, channel, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m0", history[0].Text)
}

func TestEmptyBodyRejectedBeforeRedis(t *testing.T) {
	s := openTestStore(t)
	channel := testChannel()

	_, err := s.Append(context.Background(), channel, store.Message{User: "a", Text: "  "})
	require.ErrorIs(t, err, store.ErrEmptyBody)

	history, err := s.FetchHistory(context.Background(), channel, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
