package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
	obs "exploratory-testing-support/internal/infrastructure/observability"
)

// SessionMachine owns the lifecycle of the current session record. It keeps
// no session state of its own: every operation reads and writes the shared
// store, so several machines in different contexts can share one store.
type SessionMachine struct {
	store   SharedStore
	logger  *zerolog.Logger
	metrics *obs.Metrics
	now     func() time.Time
}

type MachineOption func(*SessionMachine)

func WithClock(now func() time.Time) MachineOption {
	return func(m *SessionMachine) { m.now = now }
}

func WithMetrics(metrics *obs.Metrics) MachineOption {
	return func(m *SessionMachine) { m.metrics = metrics }
}

func NewSessionMachine(store SharedStore, logger *zerolog.Logger, opts ...MachineOption) *SessionMachine {
	if logger == nil {
		logger = obs.Nop()
	}
	m := &SessionMachine{store: store, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start opens a new Active session. It fails with domain.ErrConflict when a
// session is already Active or Paused.
func (m *SessionMachine) Start(ctx context.Context, name, description string, metadata map[string]string) (string, error) {
	now := m.now()
	if name == "" {
		name = "Session " + now.Format("2006-01-02 15:04")
	}
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["createdAt"] = domain.FormatTimestamp(now)
	sess := domain.Session{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      domain.StatusActive,
		StartTime:   now.UTC(),
		Events:      []domain.Event{},
		Screenshots: []domain.Screenshot{},
		Flags:       []domain.Flag{},
		Metadata:    md,
	}

	// A terminated record left under the current key (interrupted stop) is
	// archived before it gets replaced.
	if cur, ok, err := m.Current(ctx); err == nil && ok && cur.Status.Terminal() {
		if err := m.archive(ctx, cur); err != nil {
			return "", err
		}
	}

	err := m.store.Update(ctx, KeyCurrentSession, func(old []byte, ok bool) ([]byte, error) {
		if ok {
			cur, err := decodeSession(old)
			if err != nil {
				m.logger.Warn().Err(err).Msg("replacing undecodable current session")
			} else if cur.Status.Open() {
				return nil, fmt.Errorf("%w: %s is %s", domain.ErrConflict, cur.ID, cur.Status)
			}
		}
		return json.Marshal(sess)
	})
	if err != nil {
		return "", m.wrap("start", err)
	}
	m.metrics.ObserveTransition(string(domain.StatusActive), true)
	m.logger.Info().Str("session", sess.ID).Str("name", sess.Name).Msg("session started")
	return sess.ID, nil
}

// Stop completes the open session and returns a detached copy of the
// frozen record. Legal from Active and Paused.
func (m *SessionMachine) Stop(ctx context.Context) (domain.Session, error) {
	return m.terminate(ctx, domain.StatusCompleted)
}

// Cancel freezes the open session as Cancelled.
func (m *SessionMachine) Cancel(ctx context.Context) (domain.Session, error) {
	return m.terminate(ctx, domain.StatusCancelled)
}

func (m *SessionMachine) Pause(ctx context.Context) error {
	_, err := m.transition(ctx, domain.StatusPaused)
	return err
}

func (m *SessionMachine) Resume(ctx context.Context) error {
	_, err := m.transition(ctx, domain.StatusActive)
	return err
}

func (m *SessionMachine) terminate(ctx context.Context, to domain.Status) (domain.Session, error) {
	frozen, err := m.transition(ctx, to)
	if err != nil {
		return domain.Session{}, err
	}
	if err := m.archive(ctx, frozen); err != nil {
		// The frozen record stays under the current key and is archived by
		// the next Start.
		return frozen.Clone(), err
	}
	err = m.store.Update(ctx, KeyCurrentSession, func(old []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, ErrNoChange
		}
		cur, err := decodeSession(old)
		if err != nil || cur.ID != frozen.ID || !cur.Status.Terminal() {
			return nil, ErrNoChange
		}
		return nil, nil
	})
	if err != nil {
		return frozen.Clone(), m.wrap("clear current", err)
	}
	m.logger.Info().Str("session", frozen.ID).Str("status", string(to)).Int("events", len(frozen.Events)).Msg("session ended")
	return frozen.Clone(), nil
}

func (m *SessionMachine) transition(ctx context.Context, to domain.Status) (domain.Session, error) {
	var out domain.Session
	err := m.store.Update(ctx, KeyCurrentSession, func(old []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, fmt.Errorf("%w: no open session", domain.ErrNotFound)
		}
		cur, err := decodeSession(old)
		if err != nil {
			return nil, fmt.Errorf("%w: decode current session: %w", domain.ErrStore, err)
		}
		if !cur.Status.Open() {
			return nil, fmt.Errorf("%w: no open session", domain.ErrNotFound)
		}
		if !cur.Status.CanTransition(to) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidState, cur.Status, to)
		}
		cur.Status = to
		if to.Terminal() {
			end := m.now().UTC()
			cur.EndTime = &end
		}
		out = cur
		return json.Marshal(cur)
	})
	if err != nil {
		return domain.Session{}, m.wrap(string(to), err)
	}
	m.metrics.ObserveTransition(string(to), to.Open())
	m.logger.Debug().Str("session", out.ID).Str("status", string(to)).Msg("session transition")
	return out, nil
}

func (m *SessionMachine) archive(ctx context.Context, s domain.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encode session: %w", domain.ErrStore, err)
	}
	if err := m.store.Set(ctx, ArchiveKey(s.ID), b); err != nil {
		return m.wrap("archive", err)
	}
	if err := m.store.Set(ctx, KeyLastSessionID, []byte(s.ID)); err != nil {
		return m.wrap("archive", err)
	}
	return nil
}

// Current returns the record under the current-session key, whatever its
// status.
func (m *SessionMachine) Current(ctx context.Context) (domain.Session, bool, error) {
	raw, ok, err := m.store.Get(ctx, KeyCurrentSession)
	if err != nil {
		return domain.Session{}, false, m.wrap("get", err)
	}
	if !ok {
		return domain.Session{}, false, nil
	}
	s, err := decodeSession(raw)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("%w: decode current session: %w", domain.ErrStore, err)
	}
	return s, true, nil
}

// IsActive always consults the store; other contexts may have changed it.
func (m *SessionMachine) IsActive(ctx context.Context) (bool, error) {
	s, ok, err := m.Current(ctx)
	if err != nil || !ok {
		return false, err
	}
	return s.Status == domain.StatusActive, nil
}

// Last returns the most recently terminated session, if retained.
func (m *SessionMachine) Last(ctx context.Context) (domain.Session, bool, error) {
	id, ok, err := m.store.Get(ctx, KeyLastSessionID)
	if err != nil {
		return domain.Session{}, false, m.wrap("get", err)
	}
	if !ok || len(id) == 0 {
		return domain.Session{}, false, nil
	}
	return m.Archived(ctx, string(id))
}

func (m *SessionMachine) Archived(ctx context.Context, id string) (domain.Session, bool, error) {
	raw, ok, err := m.store.Get(ctx, ArchiveKey(id))
	if err != nil {
		return domain.Session{}, false, m.wrap("get", err)
	}
	if !ok {
		return domain.Session{}, false, nil
	}
	s, err := decodeSession(raw)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("%w: decode archived session: %w", domain.ErrStore, err)
	}
	return s, true, nil
}

// Reportable returns the open session, or the last terminated one.
func (m *SessionMachine) Reportable(ctx context.Context) (domain.Session, bool, error) {
	cur, ok, err := m.Current(ctx)
	if err != nil {
		return domain.Session{}, false, err
	}
	if ok {
		return cur, true, nil
	}
	return m.Last(ctx)
}

// Stats are derived on demand. Without any session they are all zero.
func (m *SessionMachine) Stats(ctx context.Context) (domain.Stats, error) {
	s, ok, err := m.Reportable(ctx)
	if err != nil || !ok {
		return domain.Stats{}, err
	}
	return s.Stats(m.now()), nil
}

// Update renames the open session.
func (m *SessionMachine) Update(ctx context.Context, name, description string) error {
	err := m.store.Update(ctx, KeyCurrentSession, func(old []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, fmt.Errorf("%w: no open session", domain.ErrNotFound)
		}
		cur, err := decodeSession(old)
		if err != nil {
			return nil, fmt.Errorf("%w: decode current session: %w", domain.ErrStore, err)
		}
		if !cur.Status.Open() {
			return nil, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, cur.Status)
		}
		if name != "" {
			cur.Name = name
		}
		cur.Description = description
		return json.Marshal(cur)
	})
	return m.wrap("update", err)
}

// AddEvent appends one event to the active session. Without an active
// session the event is dropped and nil is returned.
func (m *SessionMachine) AddEvent(ctx context.Context, ev domain.Event) error {
	return m.AddEvents(ctx, []domain.Event{ev})
}

// AddEvents appends a batch in order. Only store failures are reported.
func (m *SessionMachine) AddEvents(ctx context.Context, evs []domain.Event) error {
	if len(evs) == 0 {
		return nil
	}
	_, err := m.appendActive(ctx, "add events", len(evs), func(s *domain.Session) {
		s.Events = append(s.Events, evs...)
	})
	return err
}

// AddScreenshot stores an image data URL. The returned id is empty when the
// screenshot was dropped because no session is active.
func (m *SessionMachine) AddScreenshot(ctx context.Context, data string) (string, error) {
	now := m.now()
	shot := domain.Screenshot{ID: domain.NewEventID(now), Timestamp: domain.FormatTimestamp(now), Data: data}
	ok, err := m.appendActive(ctx, "add screenshot", 1, func(s *domain.Session) {
		s.Screenshots = append(s.Screenshots, shot)
	})
	if err != nil || !ok {
		return "", err
	}
	return shot.ID, nil
}

// AddFlag annotates an event. The event may still sit in a collector buffer,
// so the id is not checked against the record.
func (m *SessionMachine) AddFlag(ctx context.Context, eventID, note string) (string, error) {
	now := m.now()
	flag := domain.Flag{ID: domain.NewEventID(now), EventID: eventID, Note: note, Timestamp: domain.FormatTimestamp(now)}
	ok, err := m.appendActive(ctx, "add flag", 1, func(s *domain.Session) {
		s.Flags = append(s.Flags, flag)
	})
	if err != nil || !ok {
		return "", err
	}
	return flag.ID, nil
}

func (m *SessionMachine) appendActive(ctx context.Context, op string, n int, apply func(*domain.Session)) (bool, error) {
	applied := false
	err := m.store.Update(ctx, KeyCurrentSession, func(old []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, ErrNoChange
		}
		cur, err := decodeSession(old)
		if err != nil || cur.Status != domain.StatusActive {
			return nil, ErrNoChange
		}
		apply(&cur)
		applied = true
		return json.Marshal(cur)
	})
	if err != nil {
		return false, m.wrap(op, err)
	}
	if !applied {
		m.metrics.ObserveDropped("inactive", n)
		m.logger.Debug().Str("op", op).Int("records", n).Msg("no active session, dropped")
	}
	return applied, nil
}

// Clear removes the current session, the last-session pointer and their
// archived records.
func (m *SessionMachine) Clear(ctx context.Context) error {
	keys := []string{KeyCurrentSession, KeyLastSessionID}
	if cur, ok, err := m.Current(ctx); err == nil && ok {
		keys = append(keys, ArchiveKey(cur.ID))
	}
	if id, ok, err := m.store.Get(ctx, KeyLastSessionID); err == nil && ok && len(id) > 0 {
		keys = append(keys, ArchiveKey(string(id)))
	}
	if err := m.store.Remove(ctx, keys...); err != nil {
		return m.wrap("clear", err)
	}
	m.metrics.ObserveTransition("cleared", false)
	m.logger.Info().Msg("session cleared")
	return nil
}

// wrap tags raw store failures with domain.ErrStore and passes lifecycle
// errors through untouched.
func (m *SessionMachine) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{domain.ErrConflict, domain.ErrNotFound, domain.ErrInvalidState, domain.ErrStore} {
		if errors.Is(err, kind) {
			return err
		}
	}
	m.metrics.ObserveStoreError(op)
	return fmt.Errorf("%w: %s: %w", domain.ErrStore, op, err)
}

func decodeSession(b []byte) (domain.Session, error) {
	var s domain.Session
	err := json.Unmarshal(b, &s)
	return s, err
}
