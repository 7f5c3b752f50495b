package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/pilot-net/dynabatch/pkg/transport"
	"github.com/pilot-net/dynabatch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doublePredict(_ context.Context, batch []types.Payload) ([]types.Result, error) {
	out := make([]types.Result, len(batch))
	for i, p := range batch {
		var n int
		if err := json.Unmarshal(p, &n); err != nil {
			return nil, err
		}
		out[i], _ = json.Marshal(n * 2)
	}
	return out, nil
}

func sendItems(t *testing.T, m *transport.Memory, clientID types.ClientID, taskID types.TaskID, values []int) {
	t.Helper()
	ctx := context.Background()
	for i, v := range values {
		item := types.RequestItem{
			ClientID:  clientID,
			TaskID:    taskID,
			RequestID: types.RequestID(i),
			Payload:   json.RawMessage(strconv.Itoa(v)),
		}
		if err := m.SendRequest(ctx, item); err != nil {
			t.Fatalf("SendRequest: %v", err)
		}
	}
}

func TestRunOnceRespectsBatchSizeCeiling(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	sendItems(t, m, "c1", 1, []int{1, 2, 3, 4, 5, 6, 7, 8})

	w := New(m, doublePredict, Config{BatchSize: 4, MaxLatency: 200 * time.Millisecond}, testLogger())
	handled := w.RunOnce(context.Background())
	if handled != 4 {
		t.Fatalf("handled = %d, want 4 (batch_size ceiling)", handled)
	}
}

func TestRunOnceReturnsZeroWhenEmpty(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()

	w := New(m, doublePredict, Config{BatchSize: 4, MaxLatency: 20 * time.Millisecond}, testLogger())
	if handled := w.RunOnce(context.Background()); handled != 0 {
		t.Fatalf("handled = %d, want 0", handled)
	}
}

func TestRunOnceBreaksOnMaxLatencyWithSlowArrivals(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()

	ctx := context.Background()
	go func() {
		_ = m.SendRequest(ctx, types.RequestItem{ClientID: "c1", TaskID: 1, RequestID: 0, Payload: json.RawMessage("1")})
		time.Sleep(60 * time.Millisecond)
		_ = m.SendRequest(ctx, types.RequestItem{ClientID: "c1", TaskID: 1, RequestID: 1, Payload: json.RawMessage("2")})
	}()

	w := New(m, doublePredict, Config{BatchSize: 32, MaxLatency: 30 * time.Millisecond}, testLogger())
	handled := w.RunOnce(ctx)
	if handled != 1 {
		t.Fatalf("handled = %d, want 1 (slow arrival pattern should yield one item per cycle)", handled)
	}
}

func TestRunOnceProducesCorrectResponses(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	sendItems(t, m, "c1", 9, []int{1, 2, 3})

	w := New(m, doublePredict, Config{BatchSize: 4, MaxLatency: 100 * time.Millisecond}, testLogger())
	if handled := w.RunOnce(context.Background()); handled != 3 {
		t.Fatalf("handled = %d, want 3", handled)
	}

	got := map[types.RequestID]int{}
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		item, ok, err := m.RecvResponse(ctx, "c1")
		cancel()
		if err != nil || !ok {
			t.Fatalf("RecvResponse: ok=%v err=%v", ok, err)
		}
		var n int
		if err := json.Unmarshal(item.Result, &n); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		got[item.RequestID] = n
	}
	want := map[types.RequestID]int{0: 2, 1: 4, 2: 6}
	for id, v := range want {
		if got[id] != v {
			t.Errorf("result[%d] = %d, want %d", id, got[id], v)
		}
	}
}

func TestRunOncePublishesErrorOnPredictFailure(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	sendItems(t, m, "c1", 5, []int{1, 2})

	failing := func(context.Context, []types.Payload) ([]types.Result, error) {
		return nil, errors.New("model unavailable")
	}
	w := New(m, failing, Config{BatchSize: 4, MaxLatency: 100 * time.Millisecond}, testLogger())
	if handled := w.RunOnce(context.Background()); handled != 2 {
		t.Fatalf("handled = %d, want 2", handled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok, err := m.RecvResponse(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("RecvResponse: ok=%v err=%v", ok, err)
	}
	if item.Err == nil || *item.Err == "" {
		t.Fatal("expected a populated error response on predict failure")
	}
}
