package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	pingErr      error
	logoutErr    error
	disconnected int
	info         Info
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }
func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected++
	c.mu.Unlock()
}
func (c *fakeClient) Logout(ctx context.Context) error { return c.logoutErr }
func (c *fakeClient) Ping(ctx context.Context) error   { return c.pingErr }
func (c *fakeClient) Info() (Info, bool)               { return c.info, c.info.ID != "" }
func (c *fakeClient) Groups(ctx context.Context) ([]Group, error) {
	return nil, nil
}
func (c *fakeClient) Promote(ctx context.Context, groupID, participantID string) error { return nil }
func (c *fakeClient) SendText(ctx context.Context, groupID, text string) error         { return nil }
func (c *fakeClient) SendImage(ctx context.Context, groupID string, img Image) error   { return nil }

func (c *fakeClient) disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeFactory struct {
	newErr  error
	next    func() *fakeClient
	created []*fakeClient
}

func (f *fakeFactory) New(ctx context.Context, emit Emit) (Client, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	c := &fakeClient{info: Info{ID: "15550001@s.whatsapp.net"}}
	if f.next != nil {
		c = f.next()
	}
	f.created = append(f.created, c)
	return c, nil
}

type pendingTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

// manualClock collects scheduled funcs so tests decide when they run.
type manualClock struct {
	mu     sync.Mutex
	timers []*pendingTimer
}

func (c *manualClock) After(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &pendingTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// pending returns the delays of timers that have not been stopped or fired.
func (c *manualClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

// fire runs the most recent live timer.
func (c *manualClock) fire() bool {
	c.mu.Lock()
	var t *pendingTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			t = c.timers[i]
			break
		}
	}
	if t != nil {
		t.stopped = true
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.f()
	return true
}

var errBoom = errors.New("boom")
