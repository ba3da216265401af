package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))

	if !result {
		t.Error("expected WaitFor to return true for immediate success")
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(10*time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
}

func TestWaitForCount_Success(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(10 * time.Millisecond)
			counter.Add(1)
		}
	}()

	result := WaitForCount(t, &counter, 5, WithTimeout(time.Second), WithInterval(10*time.Millisecond))

	if !result {
		t.Error("expected WaitForCount to return true")
	}
}

func TestWaitForCount_Timeout(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	counter.Store(2)

	result := WaitForCount(t, &counter, 10, WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))

	if result {
		t.Error("expected WaitForCount to return false on timeout")
	}
}

func TestMustWaitFor_Success(t *testing.T) {
	t.Parallel()
	// Should not panic or fail
	MustWaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))
}

func TestMustWaitForCount_Success(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	counter.Store(5)

	// Should not panic or fail
	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestOptions(t *testing.T) {
	t.Parallel()

	o := options(nil)
	if o.Timeout != 10*time.Second || o.Interval != 20*time.Millisecond {
		t.Errorf("defaults = %+v, want 10s/20ms", o)
	}

	o = options([]WaitOption{WithTimeout(5 * time.Second), WithInterval(50 * time.Millisecond)})
	if o.Timeout != 5*time.Second || o.Interval != 50*time.Millisecond {
		t.Errorf("options = %+v, want 5s/50ms", o)
	}
}

func TestPoll_ReturnsValue(t *testing.T) {
	t.Parallel()
	calls := 0
	v, ok := Poll(t, func() (string, bool) {
		calls++
		if calls < 3 {
			return "running", false
		}
		return "succeeded", true
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	if !ok || v != "succeeded" {
		t.Errorf("Poll() = %q, %v; want succeeded, true", v, ok)
	}
}

func TestPoll_TimeoutKeepsLastValue(t *testing.T) {
	t.Parallel()
	calls := 0
	v, ok := Poll(t, func() (int, bool) {
		calls++
		return calls, false
	}, WithTimeout(30*time.Millisecond), WithInterval(5*time.Millisecond))

	if ok {
		t.Fatal("expected Poll to time out")
	}
	if v != calls {
		t.Errorf("Poll() value = %d, want last value %d", v, calls)
	}
}

func TestMustPoll_Success(t *testing.T) {
	t.Parallel()
	if got := MustPoll(t, func() (int, bool) { return 7, true }); got != 7 {
		t.Errorf("MustPoll() = %d, want 7", got)
	}
}
