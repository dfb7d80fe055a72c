package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parkgate/internal/billing"
	"parkgate/internal/domain/parking"
	"parkgate/internal/notify"
	"parkgate/internal/repository"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNoOpenSession = errors.New("no open parking session")
)

// Clock supplies the current time; injected for tests.
type Clock func() time.Time

// ActiveSessionCache mirrors open sessions in a fast store for dashboard
// reads. All calls are best effort; failures never block a transition.
type ActiveSessionCache interface {
	Save(ctx context.Context, session parking.Session) error
	Delete(ctx context.Context, plate string) error
}

// ManagerConfig carries the billing and policy settings validated at
// startup.
type ManagerConfig struct {
	Tariff           parking.Tariff
	NoMatchPolicy    parking.NoMatchPolicy
	PendingExitGrace time.Duration
	EventBuffer      int
	PaymentUPIID     string
	PaymentName      string
}

type pendingExit struct {
	event    parking.RecognitionEvent
	storedAt time.Time
}

type persistOp struct {
	session parking.Session
	create  bool
}

// SessionManager owns the parking session state machine. All transitions
// for every plate are funneled through one serialized loop, so no two
// transitions for the same plate ever execute concurrently. In-memory state
// is authoritative; persistence failures are queued for retry.
type SessionManager struct {
	cfg          ManagerConfig
	store        repository.SessionStore
	receipts     repository.ReceiptStore
	recognitions repository.RecognitionStore
	cache        ActiveSessionCache
	sink         notify.Sink
	log          zerolog.Logger
	clock        Clock

	events chan parking.RecognitionEvent

	mu      sync.RWMutex
	open    map[string]*parking.Session
	pending map[string]pendingExit

	retries []persistOp
}

func NewSessionManager(
	cfg ManagerConfig,
	store repository.SessionStore,
	receipts repository.ReceiptStore,
	recognitions repository.RecognitionStore,
	cache ActiveSessionCache,
	sink notify.Sink,
	log zerolog.Logger,
) (*SessionManager, error) {
	if err := billing.ValidateTariff(cfg.Tariff); err != nil {
		return nil, err
	}
	if cfg.NoMatchPolicy == "" {
		cfg.NoMatchPolicy = parking.PolicyReject
	}
	if cfg.NoMatchPolicy != parking.PolicyReject && cfg.NoMatchPolicy != parking.PolicyReconcile {
		return nil, fmt.Errorf("%w: unknown no-match policy %q", ErrInvalidInput, cfg.NoMatchPolicy)
	}
	if cfg.PendingExitGrace <= 0 {
		cfg.PendingExitGrace = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &SessionManager{
		cfg:          cfg,
		store:        store,
		receipts:     receipts,
		recognitions: recognitions,
		cache:        cache,
		sink:         sink,
		log:          log,
		clock:        func() time.Time { return time.Now().UTC() },
		events:       make(chan parking.RecognitionEvent, cfg.EventBuffer),
		open:         make(map[string]*parking.Session),
		pending:      make(map[string]pendingExit),
	}, nil
}

// SetClock replaces the time source, for tests.
func (m *SessionManager) SetClock(clock Clock) { m.clock = clock }

// Events is the bounded channel producers emit recognition events into.
func (m *SessionManager) Events() chan<- parking.RecognitionEvent { return m.events }

// Submit enqueues a recognition event after basic validation. Used by the
// webhook and manual operator paths; the vision pipeline writes to Events
// directly.
func (m *SessionManager) Submit(ctx context.Context, event parking.RecognitionEvent) error {
	if event.Plate == "" {
		return fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if event.Channel != parking.ChannelEntry && event.Channel != parking.ChannelExit {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, event.Channel)
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = m.clock()
	}
	select {
	case m.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the event channel until the context is cancelled. It must be
// the only goroutine executing transitions.
func (m *SessionManager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-m.events:
			m.handle(ctx, event)
		}
	}
}

func (m *SessionManager) handle(ctx context.Context, event parking.RecognitionEvent) {
	now := m.clock()
	m.expirePending(now)
	m.recordRecognition(ctx, event)

	switch event.Channel {
	case parking.ChannelEntry:
		m.handleEntry(ctx, event)
	case parking.ChannelExit:
		m.handleExit(ctx, event)
	default:
		m.log.Warn().Str("channel", string(event.Channel)).Msg("recognition on unknown channel dropped")
	}

	m.flushRetries(ctx)
}

func (m *SessionManager) handleEntry(ctx context.Context, event parking.RecognitionEvent) {
	if session, ok := m.openSession(event.Plate); ok {
		// Duplicate entry, e.g. a camera retrigger. Idempotent: keep the
		// session, adjusting only to the earliest observation.
		if event.ObservedAt.Before(session.EntryTime) {
			m.mu.Lock()
			session.EntryTime = event.ObservedAt
			m.mu.Unlock()
			m.persist(ctx, *session, false)
		}
		m.log.Debug().Str("plate", event.Plate).Msg("duplicate entry recognition ignored")
		return
	}

	session := &parking.Session{
		ID:        uuid.New(),
		Plate:     event.Plate,
		EntryTime: event.ObservedAt,
		Status:    parking.SessionOpen,
	}
	m.setOpen(session)
	m.persist(ctx, *session, true)
	m.cacheSave(ctx, *session)

	m.log.Info().
		Str("session_id", session.ID.String()).
		Str("plate", session.Plate).
		Time("entry_time", session.EntryTime).
		Msg("parking session opened")

	// An exit for this plate may have raced ahead of the entry. Match it
	// now, ordering by observation time rather than arrival.
	if pending, ok := m.pending[event.Plate]; ok {
		delete(m.pending, event.Plate)
		if pending.event.ObservedAt.Before(session.EntryTime) {
			m.sink.OnFault(parking.FaultInvalidDuration,
				fmt.Sprintf("plate %s: buffered exit at %s precedes entry at %s",
					event.Plate, pending.event.ObservedAt.Format(time.RFC3339), session.EntryTime.Format(time.RFC3339)))
			return
		}
		m.closeSession(ctx, session, pending.event)
	}
}

func (m *SessionManager) handleExit(ctx context.Context, event parking.RecognitionEvent) {
	session, ok := m.openSession(event.Plate)
	if !ok {
		m.sink.OnFault(parking.FaultNoMatchingSession,
			fmt.Sprintf("plate %s: exit recognized with no open session", event.Plate))

		switch m.cfg.NoMatchPolicy {
		case parking.PolicyReconcile:
			m.reconcileExit(ctx, event)
		default:
			// Buffer the exit briefly so an out-of-order entry can still
			// claim it; no session is created or mutated.
			if prev, ok := m.pending[event.Plate]; !ok || event.ObservedAt.After(prev.event.ObservedAt) {
				m.pending[event.Plate] = pendingExit{event: event, storedAt: m.clock()}
			}
		}
		return
	}

	if event.ObservedAt.Before(session.EntryTime) {
		m.sink.OnFault(parking.FaultInvalidDuration,
			fmt.Sprintf("plate %s: exit at %s precedes entry at %s",
				event.Plate, event.ObservedAt.Format(time.RFC3339), session.EntryTime.Format(time.RFC3339)))
		return
	}

	m.closeSession(ctx, session, event)
}

// closeSession completes the exit transition: bill, mutate, persist, emit.
// The session is closed in memory even if persistence fails; the write is
// retried until the store accepts it.
func (m *SessionManager) closeSession(ctx context.Context, session *parking.Session, event parking.RecognitionEvent) {
	exitTime := event.ObservedAt
	minutes, err := billing.DurationMinutes(session.EntryTime, exitTime)
	if err != nil {
		m.sink.OnFault(parking.FaultInvalidDuration, err.Error())
		return
	}
	fee, err := billing.ComputeFee(session.EntryTime, exitTime, m.cfg.Tariff)
	if err != nil {
		m.sink.OnFault(parking.FaultInvalidDuration, err.Error())
		return
	}

	// Mutate and unlink under the write lock so a concurrent OpenSessions
	// snapshot never sees a half-closed session.
	m.mu.Lock()
	session.ExitTime = &exitTime
	session.Fee = &fee
	session.Status = parking.SessionClosed
	delete(m.open, session.Plate)
	m.mu.Unlock()

	m.persist(ctx, *session, false)
	m.cacheDelete(ctx, session.Plate)

	receipt := parking.Receipt{
		SessionID:       session.ID,
		Plate:           session.Plate,
		EntryTime:       session.EntryTime,
		ExitTime:        exitTime,
		DurationMinutes: minutes,
		Fee:             fee,
		PaymentRef:      m.paymentRef(session.Plate, fee),
		GeneratedAt:     m.clock(),
	}
	if m.receipts != nil {
		if err := m.receipts.CreateReceipt(ctx, &receipt); err != nil {
			m.sink.OnFault(parking.FaultPersistence, fmt.Sprintf("receipt %s: %v", receipt.SessionID, err))
		}
	}

	m.log.Info().
		Str("session_id", session.ID.String()).
		Str("plate", session.Plate).
		Int64("duration_minutes", minutes).
		Float64("fee", fee).
		Msg("parking session closed")

	m.sink.OnReceipt(receipt)
}

// reconcileExit records an unmatched exit as a zero-duration closed session
// flagged for manual review.
func (m *SessionManager) reconcileExit(ctx context.Context, event parking.RecognitionEvent) {
	exitTime := event.ObservedAt
	fee := 0.0
	session := parking.Session{
		ID:          uuid.New(),
		Plate:       event.Plate,
		EntryTime:   event.ObservedAt,
		ExitTime:    &exitTime,
		Status:      parking.SessionClosed,
		Fee:         &fee,
		NeedsReview: true,
	}
	m.persist(ctx, session, true)
	m.log.Warn().
		Str("session_id", session.ID.String()).
		Str("plate", session.Plate).
		Msg("unmatched exit recorded for manual reconciliation")
}

// expirePending drops buffered exits whose grace window has elapsed without
// a matching entry.
func (m *SessionManager) expirePending(now time.Time) {
	for plate, p := range m.pending {
		if now.Sub(p.storedAt) >= m.cfg.PendingExitGrace {
			delete(m.pending, plate)
			m.log.Debug().Str("plate", plate).Msg("buffered exit expired unmatched")
		}
	}
}

func (m *SessionManager) persist(ctx context.Context, session parking.Session, create bool) {
	var err error
	if create {
		err = m.store.CreateSession(ctx, &session)
	} else {
		err = m.store.UpdateSession(ctx, &session)
	}
	if err != nil {
		m.sink.OnFault(parking.FaultPersistence, fmt.Sprintf("session %s: %v", session.ID, err))
		m.log.Error().Err(err).Str("session_id", session.ID.String()).Msg("session write failed, queued for retry")
		m.retries = append(m.retries, persistOp{session: session, create: create})
	}
}

// flushRetries replays failed writes in order. In-memory state stays
// authoritative until the store accepts them.
func (m *SessionManager) flushRetries(ctx context.Context) {
	if len(m.retries) == 0 {
		return
	}
	remaining := m.retries[:0]
	for _, op := range m.retries {
		var err error
		if op.create {
			err = m.store.CreateSession(ctx, &op.session)
		} else {
			err = m.store.UpdateSession(ctx, &op.session)
		}
		if err != nil {
			remaining = append(remaining, op)
		}
	}
	m.retries = remaining
	if len(m.retries) == 0 {
		m.log.Info().Msg("persistence retry queue drained")
	}
}

func (m *SessionManager) recordRecognition(ctx context.Context, event parking.RecognitionEvent) {
	if m.recognitions == nil {
		return
	}
	if err := m.recognitions.CreateRecognition(ctx, event); err != nil {
		m.log.Debug().Err(err).Str("plate", event.Plate).Msg("recognition audit write failed")
	}
}

func (m *SessionManager) cacheSave(ctx context.Context, session parking.Session) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Save(ctx, session); err != nil {
		m.log.Debug().Err(err).Str("plate", session.Plate).Msg("active session cache save failed")
	}
}

func (m *SessionManager) cacheDelete(ctx context.Context, plate string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, plate); err != nil {
		m.log.Debug().Err(err).Str("plate", plate).Msg("active session cache delete failed")
	}
}

func (m *SessionManager) paymentRef(plate string, fee float64) string {
	if m.cfg.PaymentUPIID == "" {
		return ""
	}
	return fmt.Sprintf("upi://pay?pa=%s&pn=%s&am=%.2f&tn=%s",
		url.QueryEscape(m.cfg.PaymentUPIID),
		url.QueryEscape(m.cfg.PaymentName),
		fee,
		url.QueryEscape("Park fee "+plate))
}

func (m *SessionManager) openSession(plate string) (*parking.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.open[plate]
	return s, ok
}

func (m *SessionManager) setOpen(session *parking.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[session.Plate] = session
}

// OpenSessions snapshots the authoritative in-memory open set, sorted by
// entry time for stable dashboard output.
func (m *SessionManager) OpenSessions() []parking.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]parking.Session, 0, len(m.open))
	for _, s := range m.open {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].EntryTime.Before(sessions[j].EntryTime)
	})
	return sessions
}
