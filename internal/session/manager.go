// Package session keeps one dispatcher per chat session and tears idle ones down.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"carelink/internal/ai"
	"carelink/internal/attachment"
	"carelink/internal/dispatcher"
	"carelink/internal/escalation"
	"carelink/internal/models"
	"carelink/internal/observability"

	"golang.org/x/sync/errgroup"
)

// DefaultIdleTimeout is how long a session may go unused before it is reaped.
const DefaultIdleTimeout = 30 * time.Minute

// MaxSessionIDLength bounds client supplied session ids.
const MaxSessionIDLength = 128

// Profile identifies the patient behind a session.
type Profile struct {
	UserID   string
	Name     string
	Language string
}

// Factory builds the dispatcher for a new session.
type Factory func(sessionID string, profile Profile) (*dispatcher.Dispatcher, error)

// Deps are the collaborators shared by every session.
type Deps struct {
	Rooms             []models.ChatRoom
	Completer         ai.Completer
	Notifier          escalation.NotificationService
	Ledger            escalation.Ledger
	Blobs             attachment.BlobStore
	Limits            attachment.Limits
	Transport         dispatcher.Transport
	Sink              dispatcher.EventSink
	AITimeout         time.Duration
	SendTimeout       time.Duration
	EmergencyAckDelay time.Duration
}

// Factory returns a Factory giving each session its own store, registry and
// staging area over the shared collaborators.
func (d Deps) Factory() Factory {
	return func(sessionID string, profile Profile) (*dispatcher.Dispatcher, error) {
		var handler *attachment.Handler
		if d.Blobs != nil {
			handler = attachment.NewHandler(d.Blobs, d.Limits)
		}
		return dispatcher.New(dispatcher.Config{
			SessionID: sessionID,
			User: models.Participant{
				ID:     profile.UserID,
				Name:   profile.Name,
				Role:   models.RoleUser,
				Online: true,
			},
			Rooms:             d.Rooms,
			Completer:         d.Completer,
			Notifier:          d.Notifier,
			Ledger:            d.Ledger,
			Attachments:       handler,
			Transport:         d.Transport,
			Sink:              d.Sink,
			Language:          profile.Language,
			AITimeout:         d.AITimeout,
			SendTimeout:       d.SendTimeout,
			EmergencyAckDelay: d.EmergencyAckDelay,
		})
	}
}

type entry struct {
	dispatcher *dispatcher.Dispatcher
	lastSeen   time.Time
}

// Manager owns the live sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	idle     time.Duration
	now      func() time.Time
	onClose  func(sessionID string)

	stopOnce sync.Once
	stopCh   chan struct{}
	reaperWg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for idleness.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOnClose registers a callback run after a session is closed.
func WithOnClose(fn func(sessionID string)) Option {
	return func(m *Manager) { m.onClose = fn }
}

// NewManager creates a manager. A non-positive idle timeout uses DefaultIdleTimeout.
func NewManager(factory Factory, idle time.Duration, opts ...Option) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	m := &Manager{
		sessions: make(map[string]*entry),
		factory:  factory,
		idle:     idle,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ValidateID checks a client supplied session id.
func ValidateID(sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session id is required")
	}
	if len(sessionID) > MaxSessionIDLength {
		return models.NewValidationError("session id is too long")
	}
	for _, r := range sessionID {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return models.NewValidationError("session id has invalid characters")
		}
	}
	return nil
}

// Get returns the session's dispatcher, creating it on first use.
func (m *Manager) Get(ctx context.Context, sessionID string, profile Profile) (*dispatcher.Dispatcher, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		e.lastSeen = m.now()
		return e.dispatcher, nil
	}

	// Ids are kept for the session's lifetime; detach them from caller buffers.
	sessionID = strings.Clone(sessionID)
	profile.UserID = strings.Clone(profile.UserID)
	profile.Name = strings.Clone(profile.Name)
	profile.Language = strings.Clone(profile.Language)

	if profile.UserID == "" {
		profile.UserID = "patient-" + sessionID
	}
	if profile.Name == "" {
		profile.Name = "Patient"
	}
	d, err := m.factory(sessionID, profile)
	if err != nil {
		return nil, err
	}
	m.sessions[sessionID] = &entry{dispatcher: d, lastSeen: m.now()}
	observability.ActiveSessions.Inc()
	observability.Logger.InfoContext(observability.WithSessionID(ctx, sessionID), "session started")
	return d, nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(sessionID string) (*dispatcher.Dispatcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.now()
	return e.dispatcher, true
}

// Count is the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends a session. Closing an unknown session is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.closeEntry(ctx, sessionID, e)
}

func (m *Manager) closeEntry(ctx context.Context, sessionID string, e *entry) error {
	observability.ActiveSessions.Dec()
	err := e.dispatcher.Close(ctx)
	if m.onClose != nil {
		m.onClose(sessionID)
	}
	logCtx := observability.WithSessionID(ctx, sessionID)
	if err != nil {
		observability.Logger.WarnContext(logCtx, "session closed with pending work", "error", err)
	} else {
		observability.Logger.InfoContext(logCtx, "session closed")
	}
	return err
}

// ReapIdle closes sessions unused for longer than the idle timeout and
// returns how many were closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	cutoff := m.now().Add(-m.idle)
	stale := make(map[string]*entry)
	m.mu.Lock()
	for id, e := range m.sessions {
		if e.lastSeen.Before(cutoff) {
			stale[id] = e
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for id, e := range stale {
		_ = m.closeEntry(ctx, id, e)
	}
	return len(stale)
}

// StartReaper reaps idle sessions every interval until Shutdown.
func (m *Manager) StartReaper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.reaperWg.Add(1)
	go func() {
		defer m.reaperWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.ReapIdle(context.Background()); n > 0 {
					observability.Logger.Info("reaped idle sessions", "count", n)
				}
			}
		}
	}()
}

// Shutdown stops the reaper and closes every session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.reaperWg.Wait()

	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*entry)
	m.mu.Unlock()

	var g errgroup.Group
	for id, e := range all {
		g.Go(func() error {
			return m.closeEntry(ctx, id, e)
		})
	}
	return g.Wait()
}
