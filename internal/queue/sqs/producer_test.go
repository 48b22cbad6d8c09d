package sqsqueue

import (
	"testing"
	"time"

	"wasched/internal/events"
)

func TestMessageGroupID(t *testing.T) {
	ev := events.DispatchEvent{TaskID: "task_1", Status: "sent", OccurredAt: time.Unix(100, 5)}
	if got := messageGroupID(ev); got != "task_1" {
		t.Fatalf("expected task id group, got %q", got)
	}
	if got := messageGroupID(events.DispatchEvent{}); got != "send-now" {
		t.Fatalf("expected send-now group, got %q", got)
	}

	other := ev
	other.Status = "failed"
	if dedupID(ev) == dedupID(other) {
		t.Fatalf("different outcomes must not dedupe")
	}
	if dedupID(ev) != dedupID(ev) {
		t.Fatalf("expected stable dedup id")
	}
}

func TestIsFIFO(t *testing.T) {
	if !isFIFO("https://sqs.eu-west-1.amazonaws.com/1/events.fifo") || isFIFO("https://sqs/1/events") {
		t.Fatalf("fifo detection wrong")
	}
}
