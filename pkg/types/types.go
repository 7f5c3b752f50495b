// Package types defines the identity and message shapes shared by the
// dispatcher's transport, worker, and streamer layers.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ClientID identifies a Streamer instance. It is opaque to the worker
// and is ignored entirely by the in-memory transport, which has
// exactly one client.
type ClientID string

// TaskID is monotonic and non-negative within a single Streamer.
type TaskID int64

// RequestID is assigned in input order, 0..N-1, within a single task.
type RequestID int

// Payload and Result are opaque to everything except the prediction
// function. The broker transport commits to JSON as its single
// self-describing wire encoding; the in-memory transport never
// serializes at all.
type Payload = json.RawMessage
type Result = json.RawMessage

// RequestItem is the client->worker tuple: (client_id, task_id,
// request_id, payload).
type RequestItem struct {
	ClientID  ClientID  `json:"client_id"`
	TaskID    TaskID    `json:"task_id"`
	RequestID RequestID `json:"request_id"`
	Payload   Payload   `json:"payload"`
}

// ResponseItem is the worker->client tuple: (task_id, request_id,
// result). Err is set instead of Result when the batch's predict call
// failed (see ErrPredictionFailure); a response never carries both.
type ResponseItem struct {
	TaskID    TaskID    `json:"task_id"`
	RequestID RequestID `json:"request_id"`
	Result    Result    `json:"result,omitempty"`
	Err       *string   `json:"err,omitempty"`
}

// ErrTimeout is returned by Future.Await when the bound expires before
// all N results for a task have arrived.
type ErrTimeout struct {
	TaskID TaskID
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("task %d: timeout", e.TaskID)
}

// ErrPredictionFailure is returned by Future.Await when the worker's
// prediction function failed for the batch containing this task.
type ErrPredictionFailure struct {
	TaskID TaskID
	Cause  string
}

func (e *ErrPredictionFailure) Error() string {
	return fmt.Sprintf("task %d: prediction failed: %s", e.TaskID, e.Cause)
}

// ErrEmptyBatch is returned by Submit for a nil or zero-length batch.
// See Streamer.Submit for the rejected-vs-accepted boundary decision.
var ErrEmptyBatch = errors.New("dispatch: batch must be non-empty")
