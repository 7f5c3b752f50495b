package streamer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
	"github.com/pilot-net/dynabatch/pkg/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doublePredict(ctx context.Context, batch []types.Payload) ([]types.Result, error) {
	out := make([]types.Result, len(batch))
	for i, p := range batch {
		var s string
		if json.Unmarshal(p, &s) == nil && s == "block" {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-ctx.Done():
			}
			out[i] = json.RawMessage(`null`)
			continue
		}
		var n int
		_ = json.Unmarshal(p, &n)
		out[i], _ = json.Marshal(n * 2)
	}
	return out, nil
}

func intPayload(n int) types.Payload {
	b, _ := json.Marshal(n)
	return b
}

func newHarness(t *testing.T) (*Streamer, func()) {
	t.Helper()
	m := transport.NewMemory()
	w := worker.New(m, doublePredict, worker.Config{BatchSize: 16, MaxLatency: 50 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	s := New(m, Config{}, testLogger())
	cleanup := func() {
		cancel()
		_ = s.Close()
	}
	return s, cleanup
}

func TestPredictSingleTask(t *testing.T) {
	s, cleanup := newHarness(t)
	defer cleanup()

	got, err := s.Predict(context.Background(), []types.Payload{intPayload(1), intPayload(2), intPayload(3)})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := []int{2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		var n int
		_ = json.Unmarshal(got[i], &n)
		if n != w {
			t.Errorf("got[%d] = %d, want %d", i, n, w)
		}
	}
}

func TestConcurrentSubmittersGetDistinctTaskIDs(t *testing.T) {
	s, cleanup := newHarness(t)
	defer cleanup()

	const n = 20
	ids := make(chan types.TaskID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := s.Submit(context.Background(), []types.Payload{intPayload(1)})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			ids <- f.TaskID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[types.TaskID]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate task id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d distinct task ids, want %d", len(seen), n)
	}
}

func TestEmptyBatchRejected(t *testing.T) {
	s, cleanup := newHarness(t)
	defer cleanup()

	if _, err := s.Submit(context.Background(), nil); err != types.ErrEmptyBatch {
		t.Fatalf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestTimeoutDoesNotAffectLaterSubmissions(t *testing.T) {
	s, cleanup := newHarness(t)
	defer cleanup()

	// A prediction function that sleeps long past the caller's Await
	// bound must surface a timeout without corrupting later submissions.
	f, err := s.Submit(context.Background(), []types.Payload{json.RawMessage(`"block"`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = s.Await(context.Background(), f, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout for a task the worker can't complete")
	}

	// A normal follow-up submission still succeeds.
	got, err := s.Predict(context.Background(), []types.Payload{intPayload(5)})
	if err != nil {
		t.Fatalf("Predict after timeout: %v", err)
	}
	var n int
	_ = json.Unmarshal(got[0], &n)
	if n != 10 {
		t.Errorf("got %d, want 10", n)
	}
}

func TestUnknownTaskIDDroppedSilently(t *testing.T) {
	m := transport.NewMemory()
	w := worker.New(m, doublePredict, worker.Config{BatchSize: 16, MaxLatency: 50 * time.Millisecond}, testLogger())
	ctx, cancelWorker := context.WithCancel(context.Background())
	go w.Run(ctx)
	s := New(m, Config{}, testLogger())
	defer func() {
		cancelWorker()
		_ = s.Close()
	}()

	// A response with no matching Future must not panic or block the
	// collector; a subsequent real submission must still work.
	_ = m.SendResponse(context.Background(), s.ClientID(), types.ResponseItem{TaskID: 999, RequestID: 0, Result: intPayload(1)})

	time.Sleep(20 * time.Millisecond) // let the collector drain it

	got, err := s.Predict(context.Background(), []types.Payload{intPayload(4)})
	if err != nil {
		t.Fatalf("Predict after unknown response: %v", err)
	}
	var n int
	_ = json.Unmarshal(got[0], &n)
	if n != 8 {
		t.Errorf("got %d, want 8", n)
	}
}
