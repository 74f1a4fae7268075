package queue

import (
	"container/heap"
	"io"
	"testing"
	"time"

	"github.com/soundleaf/soundleaf/internal/shared"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPayloadString(t *testing.T) {
	job := &Job{Payload: map[string]any{
		"artist": "Boards of Canada",
		"count":  7,
	}}

	if got := job.PayloadString("artist"); got != "Boards of Canada" {
		t.Errorf("PayloadString(artist) = %q", got)
	}
	if got := job.PayloadString("count"); got != "" {
		t.Errorf("PayloadString(count) = %q, want empty for non-string", got)
	}
	if got := job.PayloadString("missing"); got != "" {
		t.Errorf("PayloadString(missing) = %q, want empty", got)
	}

	var nilPayload Job
	if got := nilPayload.PayloadString("artist"); got != "" {
		t.Errorf("PayloadString on nil payload = %q, want empty", got)
	}
}

func TestResultString(t *testing.T) {
	job := &Job{Result: map[string]any{"transfer_id": "t-99"}}
	if got := job.ResultString("transfer_id"); got != "t-99" {
		t.Errorf("ResultString(transfer_id) = %q", got)
	}

	var empty Job
	if got := empty.ResultString("transfer_id"); got != "" {
		t.Errorf("ResultString on nil result = %q, want empty", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	job := &Job{
		ID:      "j1",
		Payload: map[string]any{"k": "v"},
		Result:  map[string]any{"r": "v"},
	}

	snap := job.snapshot()
	snap.Payload["k"] = "mutated"
	snap.Result["r"] = "mutated"

	if job.Payload["k"] != "v" || job.Result["r"] != "v" {
		t.Error("mutating a snapshot leaked into the authoritative record")
	}
}

func TestBackoffProgression(t *testing.T) {
	e := NewEngine(Options{
		BackoffBase: 100 * time.Millisecond,
		Logger:      shared.NewLogger(io.Discard),
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := e.backoff(attempt + 1); got != expected {
			t.Errorf("backoff(%d) = %v, want %v", attempt+1, got, expected)
		}
	}
}

func TestPendingHeapOrdering(t *testing.T) {
	var h pendingHeap
	push := func(id string, priority int, seq int64) {
		heap.Push(&h, &pendingItem{job: &Job{ID: id, Priority: priority}, seq: seq})
	}

	// mixed priorities, one retry re-enqueued with a negative sequence
	push("low-early", 0, 1)
	push("low-late", 0, 2)
	push("high", 5, 3)
	push("retry", 0, -1)

	want := []string{"high", "retry", "low-early", "low-late"}
	for i, expected := range want {
		item := heap.Pop(&h).(*pendingItem)
		if item.job.ID != expected {
			t.Errorf("pop %d = %s, want %s", i, item.job.ID, expected)
		}
	}
}
