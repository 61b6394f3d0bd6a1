package itemupdater

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddItemRejectsDuplicate(t *testing.T) {
	u := New()
	item := &Item{Name: "dup"}
	require.NoError(t, u.AddItem(item))
	err := u.AddItem(&Item{Name: "dup"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestInvalidateAndGatherSetsValue(t *testing.T) {
	u := New()
	u.Start()
	defer u.Stop()

	var calls int32
	var becameValid sync.WaitGroup
	becameValid.Add(1)
	item := &Item{
		Name: "counter",
		Gather: func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return 42, nil
		},
		OnBecameValid: func() { becameValid.Done() },
	}
	require.NoError(t, u.AddItem(item))

	u.Invalidate(item)

	waitOrFail(t, &becameValid, time.Second)
	assert.True(t, item.IsValid())
	assert.Equal(t, 42, item.Value())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestGatherErrorSchedulesRetryNotValid(t *testing.T) {
	u := New()
	u.Start()
	defer u.Stop()

	var errs int32
	item := &Item{
		Name:           "flaky",
		OnFailInterval: 10 * time.Millisecond,
		Gather: func() (interface{}, error) {
			atomic.AddInt32(&errs, 1)
			return nil, errors.New("no reply")
		},
		OnValidationErr: func(error) { atomic.AddInt32(&errs, 1) },
	}
	require.NoError(t, u.AddItem(item))
	u.Invalidate(item)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&errs) < 4 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, item.IsValid())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&errs), int32(2))
}

func TestValidateRejectsValue(t *testing.T) {
	u := New()
	u.Start()
	defer u.Stop()

	var rejected int32
	item := &Item{
		Name:     "validated",
		Gather:   func() (interface{}, error) { return -1, nil },
		Validate: func(v interface{}) bool { return v.(int) >= 0 },
		OnValidationErr: func(error) {
			atomic.AddInt32(&rejected, 1)
		},
	}
	require.NoError(t, u.AddItem(item))
	u.Invalidate(item)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && atomic.LoadInt32(&rejected) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, item.IsValid())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&rejected), int32(1))
}

func TestGroupBecomesValidOnlyWhenAllMembersValid(t *testing.T) {
	g := NewGroup()
	a := &Item{Name: "a"}
	b := &Item{Name: "b"}
	g.Add(a)
	g.Add(b)

	var becameValid, becameInvalid int32
	g.OnBecameValid = func() { atomic.AddInt32(&becameValid, 1) }
	g.OnBecameInvalid = func() { atomic.AddInt32(&becameInvalid, 1) }

	u := New()
	u.setValueLocked(a, 1)
	g.notify(true)
	assert.Equal(t, int32(0), atomic.LoadInt32(&becameValid))

	u.setValueLocked(b, 2)
	g.notify(true)
	assert.Equal(t, int32(1), atomic.LoadInt32(&becameValid))
}

func TestScheduleInvalidationRequiresInterval(t *testing.T) {
	u := New()
	item := &Item{Name: "no_interval"}
	err := u.ScheduleInvalidation(item, 0, true)
	assert.ErrorIs(t, err, ErrNoInterval)
}

func TestDisableCancelsInvalidation(t *testing.T) {
	u := New()
	u.Start()
	defer u.Stop()

	var calls int32
	item := &Item{
		Name:     "disabled",
		Interval: 10 * time.Millisecond,
		Gather: func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return 1, nil
		},
	}
	require.NoError(t, u.AddItem(item))
	u.Disable(item)
	require.NoError(t, u.ScheduleInvalidation(item, 0, true))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting")
	}
}
