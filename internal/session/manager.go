package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wasched/internal/observability"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateChallenge    State = "challenge_pending"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateLoggedOut    State = "logged_out"
	StateGaveUp       State = "gave_up"
)

type EventKind int

const (
	EventChallenge EventKind = iota + 1
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventError
	EventSessionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// ReasonLogout is the disconnect reason that ends the session for good.
const ReasonLogout = "LOGOUT"

type Event struct {
	Kind      EventKind
	Challenge string
	Reason    string
	Err       error
}

// AfterFunc runs f after d and returns a func that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

type Options struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	AuthRetryDelay time.Duration
	ReconnectDelay time.Duration
	Logger         *slog.Logger
	After          AfterFunc
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 10 * time.Second
	}
	if o.AuthRetryDelay <= 0 {
		o.AuthRetryDelay = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.After == nil {
		o.After = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
}

// Manager owns the single messaging session of the process. All lifecycle
// events go through Handle; readiness is only readable through accessors.
type Manager struct {
	factory Factory
	opts    Options
	log     *slog.Logger

	mu           sync.Mutex
	ctx          context.Context
	client       Client
	state        State
	ready        bool
	initializing bool
	attempts     int
	challenge    string
	challengeAt  time.Time
	lastErr      string
	stopTimer    func() bool
}

func NewManager(factory Factory, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		factory: factory,
		opts:    opts,
		log:     opts.Logger.With("component", "session"),
		ctx:     context.Background(),
		state:   StateIdle,
	}
}

// Connect starts a connection attempt unless one is in flight or the session
// is already ready. After MaxAttempts consecutive failures it refuses until
// ResetAttempts is called.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.initializing {
		m.mu.Unlock()
		m.log.Info("session connect already in progress")
		return nil
	}
	if m.ready && m.client != nil {
		m.mu.Unlock()
		return nil
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.setState(StateGaveUp)
		m.mu.Unlock()
		m.log.Warn("session connect refused, attempts exhausted", "max_attempts", m.opts.MaxAttempts)
		return ErrAttemptsExhausted
	}
	m.attempts++
	attempt := m.attempts
	m.initializing = true
	m.setState(StateConnecting)
	m.cancelTimerLocked()
	stale := m.client
	m.client = nil
	m.mu.Unlock()

	// only a non-ready client can reach this point
	if stale != nil {
		m.log.Info("discarding previous session client")
		stale.Disconnect()
	}

	// the client outlives the caller (often an HTTP request)
	ctx = context.WithoutCancel(ctx)
	m.log.Info("session connecting", "attempt", attempt, "max_attempts", m.opts.MaxAttempts)
	client, err := m.factory.New(ctx, m.Handle)
	if err == nil {
		m.mu.Lock()
		m.client = client
		m.mu.Unlock()
		err = client.Connect(ctx)
	}
	if err != nil {
		observability.ConnectAttempts.WithLabelValues("error").Inc()
		m.log.Error("session connect failed", "err", err, "attempt", attempt)

		m.mu.Lock()
		if m.client == client {
			m.client = nil
		}
		m.initializing = false
		m.ready = false
		m.lastErr = err.Error()
		if m.attempts < m.opts.MaxAttempts {
			m.setState(StateReconnecting)
			m.scheduleLocked(m.opts.RetryDelay)
		} else {
			m.setState(StateGaveUp)
		}
		m.mu.Unlock()

		if client != nil {
			client.Disconnect()
		}
		return err
	}
	observability.ConnectAttempts.WithLabelValues("started").Inc()
	return nil
}

// ResetAttempts clears the attempt counter so a manual reconnect can proceed
// after the automatic retries gave up.
func (m *Manager) ResetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// Handle is the single transition function for lifecycle events.
func (m *Manager) Handle(ev Event) {
	observability.SessionTransitions.WithLabelValues(ev.Kind.String()).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case EventChallenge:
		m.challenge = ev.Challenge
		m.challengeAt = time.Now().UTC()
		if !m.ready {
			m.setState(StateChallenge)
		}
		m.log.Info("session challenge received, scan the QR code")

	case EventAuthenticated:
		m.log.Info("session authenticated")

	case EventReady:
		m.ready = true
		m.initializing = false
		m.attempts = 0
		m.challenge = ""
		m.lastErr = ""
		m.cancelTimerLocked()
		m.setState(StateReady)
		m.log.Info("session ready")

	case EventAuthFailure:
		m.ready = false
		m.initializing = false
		m.challenge = ""
		m.lastErr = errText(ev)
		if m.attempts < m.opts.MaxAttempts {
			m.setState(StateReconnecting)
			m.scheduleLocked(m.opts.AuthRetryDelay)
			m.log.Warn("session auth failed, retrying", "reason", m.lastErr, "delay", m.opts.AuthRetryDelay)
		} else {
			m.setState(StateGaveUp)
			m.log.Error("session auth failed, attempts exhausted", "reason", m.lastErr)
		}

	case EventDisconnected:
		m.ready = false
		m.initializing = false
		m.challenge = ""
		if ev.Reason == ReasonLogout {
			m.cancelTimerLocked()
			m.setState(StateLoggedOut)
			m.log.Info("session logged out, authentication cleared")
			return
		}
		m.lastErr = ev.Reason
		m.setState(StateReconnecting)
		m.scheduleLocked(m.opts.ReconnectDelay)
		m.log.Warn("session disconnected, reconnecting", "reason", ev.Reason, "delay", m.opts.ReconnectDelay)

	case EventError:
		m.ready = false
		m.initializing = false
		m.lastErr = errText(ev)
		m.log.Error("session error", "err", m.lastErr)

	case EventSessionClosed:
		if m.state == StateLoggedOut {
			return
		}
		m.ready = false
		m.initializing = false
		m.lastErr = errText(ev)
		m.setState(StateReconnecting)
		m.scheduleLocked(m.opts.ReconnectDelay)
		m.log.Warn("session closed underneath us, reconnecting", "err", m.lastErr, "delay", m.opts.ReconnectDelay)
	}
}

// MarkSessionClosed records an implicit disconnect seen by a caller.
func (m *Manager) MarkSessionClosed(err error) {
	m.Handle(Event{Kind: EventSessionClosed, Err: err})
}

// Logout clears the stored authentication. Without a client it returns
// ErrNotReady.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil {
		return ErrNotReady
	}
	if err := c.Logout(ctx); err != nil {
		return err
	}
	m.Handle(Event{Kind: EventDisconnected, Reason: ReasonLogout})
	return nil
}

// Client returns the live client when the session is ready.
func (m *Manager) Client() (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready || m.client == nil {
		return nil, ErrNotReady
	}
	return m.client, nil
}

func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready && m.client != nil
}

func (m *Manager) Initializing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializing
}

// Challenge returns the latest authentication challenge, if any.
func (m *Manager) Challenge() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.challenge, m.challenge != ""
}

// Info returns the identity of the ready session.
func (m *Manager) Info() (Info, bool) {
	c, err := m.Client()
	if err != nil {
		return Info{}, false
	}
	return c.Info()
}

type Status struct {
	State        State     `json:"state"`
	Ready        bool      `json:"isReady"`
	Initializing bool      `json:"isInitializing"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	HasChallenge bool      `json:"hasQr"`
	ChallengeAt  time.Time `json:"qrReceivedAt,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.state,
		Ready:        m.ready && m.client != nil,
		Initializing: m.initializing,
		Attempts:     m.attempts,
		MaxAttempts:  m.opts.MaxAttempts,
		HasChallenge: m.challenge != "",
		ChallengeAt:  m.challengeAt,
		LastError:    m.lastErr,
	}
}

type Health struct {
	IsReady              bool      `json:"isReady"`
	HasClient            bool      `json:"hasClient"`
	HasInfo              bool      `json:"hasInfo"`
	CanPerformOperations bool      `json:"canPerformOperations"`
	TestError            string    `json:"testError,omitempty"`
	State                State     `json:"state"`
	Timestamp            time.Time `json:"timestamp"`
}

// Probe performs a cheap call on the live client. A session-closed failure is
// treated as an implicit disconnect.
func (m *Manager) Probe(ctx context.Context) Health {
	m.mu.Lock()
	c := m.client
	ready := m.ready
	m.mu.Unlock()

	h := Health{IsReady: ready && c != nil, HasClient: c != nil, Timestamp: time.Now().UTC()}
	if c != nil {
		_, h.HasInfo = c.Info()
	}
	if h.IsReady {
		if err := c.Ping(ctx); err != nil {
			h.TestError = err.Error()
			if IsSessionClosed(err) {
				m.MarkSessionClosed(err)
				h.IsReady = false
			}
		} else {
			h.CanPerformOperations = true
		}
	}
	h.State = m.Status().State
	return h
}

// Start schedules the first connect after delay; ctx bounds every later
// automatic reconnect.
func (m *Manager) Start(ctx context.Context, delay time.Duration) {
	m.mu.Lock()
	m.ctx = ctx
	m.scheduleLocked(delay)
	m.mu.Unlock()
}

// Close cancels pending reconnects and disconnects the client.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancelTimerLocked()
	c := m.client
	m.client = nil
	m.ready = false
	m.initializing = false
	m.setState(StateIdle)
	m.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

func (m *Manager) scheduleLocked(d time.Duration) {
	m.cancelTimerLocked()
	ctx := m.ctx
	m.stopTimer = m.opts.After(d, func() {
		if ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx); err != nil && !errors.Is(err, ErrAttemptsExhausted) {
			m.log.Warn("scheduled session connect failed", "err", err)
		}
	})
}

func (m *Manager) cancelTimerLocked() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

func (m *Manager) setState(s State) {
	m.state = s
	if s == StateReady {
		observability.SessionReady.Set(1)
	} else {
		observability.SessionReady.Set(0)
	}
}

func errText(ev Event) string {
	if ev.Err != nil {
		return ev.Err.Error()
	}
	return ev.Reason
}
