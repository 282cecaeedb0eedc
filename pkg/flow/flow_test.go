package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskhall/worldcore/pkg/faults"
)

func TestKeyedQueue_SerializesPerKey(t *testing.T) {
	q := NewKeyedQueue()
	var mu sync.Mutex
	order := []int{}

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = q.Do("town:a", func() error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()

	<-started
	go func() {
		defer wg.Done()
		_ = q.Do("town:a", func() error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		})
	}()

	// second caller must wait behind the first
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(release)
	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
	assert.False(t, q.Pending("town:a"))
}

func TestKeyedQueue_CrossKeyConcurrent(t *testing.T) {
	q := NewKeyedQueue()
	blockA := make(chan struct{})
	aStarted := make(chan struct{})
	go func() {
		_ = q.Do("a", func() error {
			close(aStarted)
			<-blockA
			return nil
		})
	}()
	<-aStarted

	done := make(chan struct{})
	go func() {
		_ = q.Do("b", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(blockA)
}

func TestKeyedQueue_PanicReleasesSuccessor(t *testing.T) {
	q := NewKeyedQueue()
	func() {
		defer func() { _ = recover() }()
		_ = q.Do("k", func() error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = q.Do("k", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("successor never ran after panic")
	}
}

func TestKeyedQueue_ReturnsFnError(t *testing.T) {
	q := NewKeyedQueue()
	want := errors.New("nope")
	assert.ErrorIs(t, q.Do("k", func() error { return want }), want)
}

func TestSlots_Bounded(t *testing.T) {
	s := NewSlots(2)
	require.True(t, s.TryAcquire())
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	s.Release()
	assert.True(t, s.TryAcquire())
	s.Release()
	s.Release()
}

func TestDialogueGate_RateDenial(t *testing.T) {
	g := NewDialogueGate(4, 2)
	rel1, err := g.Acquire(context.Background(), "brina")
	require.NoError(t, err)
	rel1()
	rel2, err := g.Acquire(context.Background(), "brina")
	require.NoError(t, err)
	rel2()

	_, err = g.Acquire(context.Background(), "brina")
	assert.ErrorIs(t, err, ErrRateLimited)

	// other agents have their own budget
	rel3, err := g.Acquire(context.Background(), "olaf")
	require.NoError(t, err)
	rel3()
}

func TestOperationID_WindowCollision(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := OperationID(base, time.Minute, "turn", "brina")
	b := OperationID(base.Add(30*time.Second), time.Minute, "turn", "brina")
	c := OperationID(base.Add(61*time.Second), time.Minute, "turn", "brina")

	assert.Len(t, a, 40)
	assert.Equal(t, a, b, "same window must collide")
	assert.NotEqual(t, a, c, "next window must differ")

	d := OperationID(base, time.Minute, "turn", "olaf")
	assert.NotEqual(t, a, d, "different parts must differ")
}

func TestOperationID_DefaultWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, OperationID(now, 0, "x"), OperationID(now, DefaultOpWindow, "x"))
}

func TestWithTimeout_CompletesInTime(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithTimeout_FiresLabel(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "llm_reply", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, faults.IsTimeout(err))
	assert.Equal(t, "llm_reply", err.Error())
}

func TestWithTimeout_PropagatesError(t *testing.T) {
	want := errors.New("downstream")
	err := WithTimeout(context.Background(), time.Second, "x", func(context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)
}
