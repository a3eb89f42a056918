package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raakeshmj/gatewarden/internal/db"
)

// gatedSink blocks writes until release is closed.
type gatedSink struct {
	release chan struct{}

	mu         sync.Mutex
	records    []*db.UsageRecord
	increments map[string]int64
	appendErrs atomic.Int32
}

func newGatedSink(open bool) *gatedSink {
	s := &gatedSink{release: make(chan struct{}), increments: make(map[string]int64)}
	if open {
		close(s.release)
	}
	return s
}

func (s *gatedSink) AppendUsageRecord(ctx context.Context, rec *db.UsageRecord) error {
	<-s.release
	if s.appendErrs.Load() > 0 {
		s.appendErrs.Add(-1)
		return errors.New("transient")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *gatedSink) IncrementUsage(ctx context.Context, id string, delta int64, lastUsed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments[id] += delta
	return nil
}

func (s *gatedSink) snapshot() (int, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc := make(map[string]int64, len(s.increments))
	for k, v := range s.increments {
		inc[k] = v
	}
	return len(s.records), inc
}

func rec(token string) *db.UsageRecord {
	return &db.UsageRecord{TokenID: token, Endpoint: "/api/data", Method: "GET", Timestamp: time.Now()}
}

func TestRecorderPersistsEverything(t *testing.T) {
	sink := newGatedSink(true)
	r := NewRecorder(sink, Config{QueueSize: 64}, nil, nil)

	for i := 0; i < 50; i++ {
		require.True(t, r.Submit(rec("tok-1")))
	}
	require.True(t, r.Submit(rec("")))
	require.NoError(t, r.Close(context.Background()))

	n, inc := sink.snapshot()
	assert.Equal(t, 51, n)
	assert.EqualValues(t, 50, inc["tok-1"])
	assert.Zero(t, r.Pending("tok-1"))
	assert.EqualValues(t, 51, r.Stats().Written)
}

func TestRecorderPendingCountsQueued(t *testing.T) {
	sink := newGatedSink(false)
	r := NewRecorder(sink, Config{QueueSize: 16, Workers: 1}, nil, nil)

	for i := 0; i < 5; i++ {
		r.Submit(rec("tok-1"))
	}
	assert.EqualValues(t, 5, r.Pending("tok-1"))
	assert.Zero(t, r.Pending("tok-2"))

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Zero(t, r.Pending("tok-1"))
}

func TestRecorderDropNewest(t *testing.T) {
	sink := newGatedSink(false)
	r := NewRecorder(sink, Config{QueueSize: 2, Workers: 1, Overflow: DropNewest}, nil, nil)

	// One record is held by the blocked worker, two fill the queue.
	accepted := 0
	for i := 0; i < 10; i++ {
		if r.Submit(rec("tok-1")) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 3)
	assert.EqualValues(t, 10-accepted, r.Stats().Dropped)
	assert.EqualValues(t, accepted, r.Pending("tok-1"))

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
	n, _ := sink.snapshot()
	assert.Equal(t, accepted, n)
}

func TestRecorderDropOldest(t *testing.T) {
	sink := newGatedSink(false)
	r := NewRecorder(sink, Config{QueueSize: 2, Workers: 1, Overflow: DropOldest}, nil, nil)

	for i := 0; i < 10; i++ {
		assert.True(t, r.Submit(rec("tok-1")), "drop_oldest always accepts the new record")
	}
	dropped := r.Stats().Dropped
	assert.NotZero(t, dropped)
	assert.EqualValues(t, 10-int64(dropped), r.Pending("tok-1"))

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderBlockTimesOut(t *testing.T) {
	sink := newGatedSink(false)
	r := NewRecorder(sink, Config{QueueSize: 1, Workers: 1, Overflow: Block, BlockTimeout: 10 * time.Millisecond}, nil, nil)

	var results []bool
	for i := 0; i < 4; i++ {
		results = append(results, r.Submit(rec("tok-1")))
	}
	assert.False(t, results[3])
	assert.NotZero(t, r.Stats().Dropped)

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorderRetriesTransientFailures(t *testing.T) {
	sink := newGatedSink(true)
	sink.appendErrs.Store(2)
	r := NewRecorder(sink, Config{Workers: 1}, nil, nil)
	r.backoff = func(int) time.Duration { return 0 }

	r.Submit(rec("tok-1"))
	require.NoError(t, r.Close(context.Background()))

	n, inc := sink.snapshot()
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, inc["tok-1"])
	assert.Zero(t, r.Stats().Failed)
}

func TestRecorderSubmitAfterClose(t *testing.T) {
	r := NewRecorder(newGatedSink(true), Config{}, nil, nil)
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	assert.False(t, r.Submit(rec("tok-1")))
	assert.Zero(t, r.Pending("tok-1"))
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropNewest, p)

	p, err = ParseOverflowPolicy("DROP_OLDEST")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParseOverflowPolicy("spill")
	assert.Error(t, err)
}

func TestReservationCountsUntilWritten(t *testing.T) {
	sink := newGatedSink(false)
	r := NewRecorder(sink, Config{Workers: 1}, nil, nil)

	res := r.Reserve("tok-1")
	assert.EqualValues(t, 1, r.Pending("tok-1"))

	require.True(t, res.Submit(&db.UsageRecord{StatusCode: 404, ResponseTimeMs: 12}))
	assert.False(t, res.Submit(&db.UsageRecord{}), "a reservation is submitted once")
	res.Release()
	assert.EqualValues(t, 1, r.Pending("tok-1"))

	close(sink.release)
	require.NoError(t, r.Close(context.Background()))
	assert.Zero(t, r.Pending("tok-1"))

	n, inc := sink.snapshot()
	require.Equal(t, 1, n)
	assert.EqualValues(t, 1, inc["tok-1"])
	assert.Equal(t, "tok-1", sink.records[0].TokenID)
	assert.Equal(t, 404, sink.records[0].StatusCode)
}

func TestReservationRelease(t *testing.T) {
	r := NewRecorder(newGatedSink(true), Config{}, nil, nil)
	res := r.Reserve("tok-1")
	res.Release()
	res.Release()
	assert.Zero(t, r.Pending("tok-1"))

	require.NoError(t, r.Close(context.Background()))
	res = r.Reserve("tok-1")
	assert.False(t, res.Submit(&db.UsageRecord{}))
	assert.Zero(t, r.Pending("tok-1"))
}
