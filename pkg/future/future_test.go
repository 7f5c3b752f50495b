package future

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/dynabatch/pkg/types"
)

func raw(v int) types.Result {
	b, _ := json.Marshal(v)
	return b
}

func TestFutureOrdersOutOfOrderAppends(t *testing.T) {
	f := New(1, 3)

	f.Append(2, raw(20))
	f.Append(0, raw(0))
	f.Append(1, raw(10))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	want := []string{"0", "10", "20"}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("got[%d] = %s, want %s", i, got[i], w)
		}
	}
}

func TestFutureTimesOut(t *testing.T) {
	f := New(7, 2)
	f.Append(0, raw(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	var timeoutErr *types.ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *types.ErrTimeout", err)
	}
	if timeoutErr.TaskID != 7 {
		t.Errorf("TaskID = %d, want 7", timeoutErr.TaskID)
	}
}

func TestFutureNeverReturnsPartialResult(t *testing.T) {
	f := New(1, 5)
	f.Append(0, raw(1))
	f.Append(1, raw(2))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); err == nil {
		t.Error("expected timeout with only 2/5 results appended")
	}
}

func TestFutureCompletesExactlyOnce(t *testing.T) {
	f := New(1, 1)
	f.Append(0, raw(1))
	if !f.Done() {
		t.Fatal("expected Done() after Nth append")
	}
	// A second append for an already-seen request id must be ignored.
	f.Append(0, raw(999))

	ctx := context.Background()
	got, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if string(got[0]) != "1" {
		t.Errorf("got[0] = %s, want 1 (duplicate append must be dropped)", got[0])
	}
}

func TestFutureZeroSizeCompletesImmediately(t *testing.T) {
	f := New(1, 0)
	if !f.Done() {
		t.Fatal("zero-size future should be immediately done")
	}
	got, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len(got) = %d, want 0", len(got))
	}
}

func TestFutureFailSurfacesPredictionFailure(t *testing.T) {
	f := New(3, 2)
	f.Append(0, raw(1))
	f.Fail("boom")

	_, err := f.Await(context.Background())
	var predErr *types.ErrPredictionFailure
	if !errors.As(err, &predErr) {
		t.Fatalf("err = %v, want *types.ErrPredictionFailure", err)
	}
	if predErr.Cause != "boom" {
		t.Errorf("Cause = %q, want %q", predErr.Cause, "boom")
	}
}

func TestFutureAppendConcurrentWithAwait(t *testing.T) {
	const n = 200
	f := New(1, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			f.Append(types.RequestID(id), raw(id))
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := f.Await(ctx)
	wg.Wait()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(got) != n {
		t.Fatalf("len(got) = %d, want %d", len(got), n)
	}
	for i := 0; i < n; i++ {
		want := raw(i)
		if string(got[i]) != string(want) {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want)
		}
	}
}

func TestTableLookupUnknownDropsGracefully(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Lookup(42)
	if ok {
		t.Fatal("expected ok=false for unknown task id")
	}
}

func TestTableRemoveThenLookupFails(t *testing.T) {
	tbl := NewTable()
	f := New(1, 1)
	tbl.Insert(f)

	if _, ok := tbl.Lookup(1); !ok {
		t.Fatal("expected to find inserted future")
	}
	tbl.Remove(1)
	if _, ok := tbl.Lookup(1); ok {
		t.Fatal("expected lookup to fail after removal")
	}
}

func TestTableReapRemovesOldEntries(t *testing.T) {
	tbl := NewTable()
	f := New(1, 5) // never completes
	tbl.Insert(f)

	if n := tbl.Reap(time.Hour); n != 0 {
		t.Fatalf("Reap with generous maxAge reaped %d, want 0", n)
	}
	if n := tbl.Reap(0); n != 1 {
		t.Fatalf("Reap with maxAge=0 reaped %d, want 1", n)
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}
