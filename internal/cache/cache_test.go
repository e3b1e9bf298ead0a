package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	hashes map[string]bool
	calls  int
}

func (f *fakeSource) GetCompletedFileHashes(ctx context.Context) (map[string]bool, error) {
	f.calls++
	return f.hashes, nil
}

func TestGetCompletedFileHashes_MissFillsFromSourceAndCachesInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	src := &fakeSource{hashes: map[string]bool{"abc123": true, "def456": true}}
	c := New(mr.Addr(), src, time.Minute, zap.NewNop())
	defer c.Close()

	hashes, err := c.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.True(t, hashes["def456"])
	assert.Equal(t, 1, src.calls)

	members, err := mr.SMembers(completedHashesKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"abc123", "def456"}, members)
}

func TestGetCompletedFileHashes_HitAvoidsSource(t *testing.T) {
	mr := miniredis.RunT(t)
	src := &fakeSource{hashes: map[string]bool{"abc123": true}}
	c := New(mr.Addr(), src, time.Minute, zap.NewNop())
	defer c.Close()

	_, err := c.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, src.calls)

	hashes, err := c.GetCompletedFileHashes(context.Background())
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.Equal(t, 1, src.calls) // second call served from Redis, not source
}

func TestGetCompletedFileHashes_FallsBackWhenRedisUnreachable(t *testing.T) {
	src := &fakeSource{hashes: map[string]bool{"abc123": true}}
	c := New("127.0.0.1:1", src, time.Minute, zap.NewNop()) // nothing listening
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	hashes, err := c.GetCompletedFileHashes(ctx)
	require.NoError(t, err)
	assert.True(t, hashes["abc123"])
	assert.Equal(t, 1, src.calls)
}
