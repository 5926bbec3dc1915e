// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, depth func() int) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tr, err := NewTracker(depth, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, clock
}

func TestTracker_CountsWithinWindow(t *testing.T) {
	tr, clock := newTestTracker(t, func() int { return 0 })

	tr.OnRequest()
	tr.OnRequest()
	tr.OnCachedRequest()
	tr.OnUpstreamVerified()

	s := tr.Summarize(Windows[0])
	assert.Equal(t, "5m", s.Window)
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(1), s.Cached)
	assert.Equal(t, int64(1), s.Upstream)

	clock.Advance(10 * time.Minute)
	tr.OnRequest()

	assert.Equal(t, int64(1), tr.Summarize(Windows[0]).Requests)
	assert.Equal(t, int64(3), tr.Summarize(Windows[1]).Requests)
}

func TestTracker_QueueDepthSamples(t *testing.T) {
	var depth atomic.Int64
	tr, clock := newTestTracker(t, func() int { return int(depth.Load()) })

	for _, d := range []int64{2, 8, 5} {
		depth.Store(d)
		tr.Sample()
		clock.Advance(time.Minute)
	}

	s := tr.Summarize(Windows[0])
	assert.Equal(t, int64(8), s.MaxQueueDepth)
	assert.InDelta(t, 5.0, s.AvgQueueDepth, 0.0001)
}

func TestTracker_RingWrapsAfterRetention(t *testing.T) {
	tr, clock := newTestTracker(t, func() int { return 0 })

	tr.OnRequest()
	clock.Advance(retention * time.Minute)
	tr.OnCachedRequest()

	week := tr.Summarize(Windows[3])
	assert.Equal(t, int64(0), week.Requests, "bucket from a week ago is reused, not summed")
	assert.Equal(t, int64(1), week.Cached)
}

func TestTracker_EmptySummaries(t *testing.T) {
	tr, _ := newTestTracker(t, func() int { return 0 })

	got := tr.Summaries()
	require.Len(t, got, len(Windows))
	for i, s := range got {
		assert.Equal(t, Windows[i].Name, s.Window)
		assert.Zero(t, s.Requests)
		assert.Zero(t, s.AvgQueueDepth)
	}
}

func TestTracker_RunSamplesUntilCancelled(t *testing.T) {
	var calls atomic.Int64
	tr, err := NewTracker(func() int {
		calls.Add(1)
		return 3
	})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 5*time.Millisecond, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int64(3), tr.Summarize(Windows[0]).MaxQueueDepth)
}
