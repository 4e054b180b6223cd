package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestResolveDeliversValue(t *testing.T) {
	r := New[string]()
	c, err := r.Begin(time.Second, nil)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	if !r.Resolve(c.ID, "ok") {
		t.Fatal("Resolve should report true for an outstanding call")
	}
	got, err := c.Wait(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("Wait = %q, %v", got, err)
	}
	if r.Len() != 0 {
		t.Errorf("Len after resolve = %d", r.Len())
	}
}

func TestRejectDeliversError(t *testing.T) {
	r := New[int]()
	c, _ := r.Begin(0, nil)
	boom := errors.New("boom")
	r.Reject(c.ID, boom)

	if _, err := c.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want boom", err)
	}
}

func TestSettleTwiceIsDropped(t *testing.T) {
	r := New[int]()
	c, _ := r.Begin(0, nil)
	if !r.Resolve(c.ID, 1) {
		t.Fatal("first Resolve should succeed")
	}
	if r.Resolve(c.ID, 2) {
		t.Error("second Resolve should report false")
	}
	if r.Reject(c.ID, errors.New("late")) {
		t.Error("Reject after Resolve should report false")
	}
	v, err := c.Wait(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Wait = %d, %v, want 1", v, err)
	}
}

func TestTimeoutRejectsAndDropsLateResult(t *testing.T) {
	r := New[string]()
	var gotElapsed time.Duration
	c, _ := r.Begin(20*time.Millisecond, func(elapsed time.Duration) error {
		gotElapsed = elapsed
		return fmt.Errorf("timed out after %dms", elapsed.Milliseconds())
	})

	select {
	case res := <-c.Done():
		if res.Err == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if gotElapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 20ms", gotElapsed)
	}
	if r.Resolve(c.ID, "late") {
		t.Error("late response should be dropped")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after timeout", r.Len())
	}
}

func TestDefaultTimeoutError(t *testing.T) {
	r := New[string]()
	c, _ := r.Begin(5*time.Millisecond, nil)
	res := <-c.Done()
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", res.Err)
	}
}

func TestRejectAll(t *testing.T) {
	r := New[string]()
	shutdown := errors.New("shutting down")

	var calls []*Call[string]
	for i := 0; i < 5; i++ {
		c, _ := r.Begin(time.Minute, nil)
		calls = append(calls, c)
	}
	if n := r.RejectAll(shutdown); n != 5 {
		t.Fatalf("RejectAll = %d, want 5", n)
	}
	for _, c := range calls {
		if res := <-c.Done(); !errors.Is(res.Err, shutdown) {
			t.Errorf("call %s err = %v", c.ID, res.Err)
		}
	}

	if _, err := r.Begin(0, nil); err != nil {
		t.Errorf("registry should stay usable after RejectAll: %v", err)
	}
}

func TestCloseRefusesNewCalls(t *testing.T) {
	r := New[string]()
	c, _ := r.Begin(0, nil)
	r.Close(errors.New("bye"))

	if res := <-c.Done(); res.Err == nil {
		t.Error("outstanding call should be rejected on Close")
	}
	if _, err := r.Begin(0, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Begin after Close err = %v, want ErrClosed", err)
	}
}

func TestWaitContextCancelWithdrawsCall(t *testing.T) {
	r := New[string]()
	c, _ := r.Begin(time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v", err)
	}
	if r.Has(c.ID) {
		t.Error("cancelled call should be withdrawn")
	}
}

func TestIDsUniqueWhileOutstanding(t *testing.T) {
	r := New[int]()
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := r.Begin(0, nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if seen[c.ID] {
				t.Errorf("duplicate id %s", c.ID)
			}
			seen[c.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len = %d, want 50", r.Len())
	}
}
