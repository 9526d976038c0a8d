package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	mu        sync.Mutex
	executed  int32
	slow      time.Duration
	failOnce  bool
	failed    bool
	reschedAt time.Time
	again     bool
}

func (t *fakeTask) PreExecute(ctx context.Context) error { return nil }

func (t *fakeTask) Execute(ctx context.Context) error {
	atomic.AddInt32(&t.executed, 1)
	if t.slow > 0 {
		time.Sleep(t.slow)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOnce && !t.failed {
		t.failed = true
		return errors.New("boom")
	}
	return nil
}

func (t *fakeTask) PostExecute(ctx context.Context, execErr error) {}

func (t *fakeTask) Reschedule(now time.Time) (time.Time, bool) {
	return t.reschedAt, t.again
}

func TestTickNeverExceedsMaxTickQueue(t *testing.T) {
	s := New(2)
	past := time.Now().Add(-time.Second)

	slow1 := &fakeTask{slow: 100 * time.Millisecond}
	slow2 := &fakeTask{slow: 100 * time.Millisecond}
	slow3 := &fakeTask{slow: 100 * time.Millisecond}
	s.Add(slow1, past)
	s.Add(slow2, past)
	s.Add(slow3, past)

	ctx := context.Background()
	require.Equal(t, 1, s.Tick(ctx, 0))
	require.Equal(t, 1, s.Tick(ctx, 0))
	// S5: third tick returns 0 until one of the first two completes.
	assert.Equal(t, 0, s.Tick(ctx, 0))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, s.Tick(ctx, 0))
}

func TestTickSkipsTaskNotYetDue(t *testing.T) {
	s := New(4)
	future := time.Now().Add(time.Hour)
	task := &fakeTask{}
	s.Add(task, future)

	launched := s.Tick(context.Background(), 0)
	assert.Equal(t, 1, launched)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&task.executed))
}

func TestDoTickRecordsSuccessAndError(t *testing.T) {
	s := New(4)
	now := time.Now().Add(-time.Millisecond)

	ok := &fakeTask{}
	id := s.Add(ok, now)
	s.Tick(context.Background(), 0)
	time.Sleep(20 * time.Millisecond)

	st, found := s.Stats(id)
	require.True(t, found)
	assert.Equal(t, uint64(1), st.SuccessCount)

	failing := &fakeTask{failOnce: true}
	id2 := s.Add(failing, now)
	s.Tick(context.Background(), 0)
	time.Sleep(20 * time.Millisecond)

	st2, found2 := s.Stats(id2)
	require.True(t, found2)
	assert.Equal(t, uint64(1), st2.ErrorCount)
}

func TestDoTickRunsEveryDueTaskInOneBatch(t *testing.T) {
	s := New(4)
	now := time.Now().Add(-time.Millisecond)

	a := &fakeTask{}
	b := &fakeTask{}
	c := &fakeTask{}
	s.Add(a, now)
	s.Add(b, now)
	s.Add(c, now)

	require.Equal(t, 1, s.Tick(context.Background(), 0))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&a.executed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.executed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c.executed))
	assert.Equal(t, 0, s.PendingCount())
}

func TestRescheduleReEnqueuesTask(t *testing.T) {
	s := New(4)
	now := time.Now().Add(-time.Millisecond)
	task := &fakeTask{again: true, reschedAt: time.Now().Add(-time.Millisecond)}
	s.Add(task, now)

	s.Tick(context.Background(), 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.PendingCount())
}
