package dedupe

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test-node")
}

func TestSeenReportsUnmarkedAsFalse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	seen, err := s.Seen(context.Background(), "msg-1", KindMessage)
	require.NoError(err)
	assert.False(seen)
}

func TestMarkThenSeen(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(s.Mark(ctx, "msg-1", KindMessage))

	seen, err := s.Seen(ctx, "msg-1", KindMessage)
	require.NoError(err)
	assert.True(seen)

	size, err := s.Size(ctx)
	require.NoError(err)
	assert.EqualValues(1, size)
}

// TestMarkKeysOnCompoundIdentity confirms the store is keyed on
// (msgId, kind), not msgId alone — a key envelope arriving before its
// paired message envelope must not suppress that message (Open Question
// 2's resolution).
func TestMarkKeysOnCompoundIdentity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(s.Mark(ctx, "msg-1", KindKey))

	seenAsKey, err := s.Seen(ctx, "msg-1", KindKey)
	require.NoError(err)
	assert.True(seenAsKey)

	seenAsMessage, err := s.Seen(ctx, "msg-1", KindMessage)
	require.NoError(err)
	assert.False(seenAsMessage)
}

// TestSizeStaysBoundedAndEvictsOldest exercises the FIFO eviction path
// (LPush/LLen/RPop) directly against a real (embedded) Redis instance:
// marking more than Cap entries must never grow the set past Cap, and
// the entries evicted must be the oldest ones marked, not arbitrary
// ones (spec section 4.2's lifecycle, section 8's testable property 4).
func TestSizeStaysBoundedAndEvictsOldest(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := newTestStore(t)
	ctx := context.Background()

	total := Cap + 50
	for i := 0; i < total; i++ {
		require.NoError(s.Mark(ctx, fmt.Sprintf("msg-%d", i), KindMessage))
	}

	size, err := s.Size(ctx)
	require.NoError(err)
	assert.EqualValues(Cap, size)

	for i := 0; i < 50; i++ {
		seen, err := s.Seen(ctx, fmt.Sprintf("msg-%d", i), KindMessage)
		require.NoError(err)
		assert.Falsef(seen, "msg-%d should have been evicted as the oldest entry", i)
	}

	for i := 50; i < total; i++ {
		seen, err := s.Seen(ctx, fmt.Sprintf("msg-%d", i), KindMessage)
		require.NoError(err)
		assert.Truef(seen, "msg-%d should still be tracked", i)
	}
}

func TestSplitCompoundRoundTrips(t *testing.T) {
	assert := assert.New(t)

	c := compound("abc-123", KindKey)
	msgId, kind := splitCompound(c)
	assert.Equal("abc-123", msgId)
	assert.Equal(KindKey, kind)
}
