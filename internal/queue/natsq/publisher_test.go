package natsq

import (
	"testing"

	"wasched/internal/events"
)

func TestSubject(t *testing.T) {
	p := &Publisher{Subject: "wasched.dispatch"}
	if got := p.subject(events.DispatchEvent{Status: "failed"}); got != "wasched.dispatch.failed" {
		t.Fatalf("unexpected subject %q", got)
	}
	if got := p.subject(events.DispatchEvent{}); got != "wasched.dispatch" {
		t.Fatalf("unexpected subject %q", got)
	}
}
