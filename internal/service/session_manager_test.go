package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkgate/internal/domain/parking"
	"parkgate/internal/repository"
)

var testTariff = parking.Tariff{
	Bands: []parking.TariffBand{
		{ThresholdMinutes: 0, Rate: 0},
		{ThresholdMinutes: 30, Rate: 20},
		{ThresholdMinutes: 60, Rate: 30},
	},
	ExtensionRate:        10,
	ExtensionUnitMinutes: 60,
}

type fakeStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]parking.Session
	failNext     int
	createCalls  int
	updateCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]parking.Session)}
}

func (s *fakeStore) CreateSession(_ context.Context, session *parking.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("store unavailable")
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *fakeStore) UpdateSession(_ context.Context, session *parking.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("store unavailable")
	}
	s.sessions[session.ID] = *session
	return nil
}

func (s *fakeStore) FindOpenSession(_ context.Context, plate string) (*parking.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.Plate == plate && session.Status == parking.SessionOpen {
			copied := session
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListSessions(_ context.Context, _ repository.SessionFilter) ([]parking.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]parking.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out, nil
}

func (s *fakeStore) get(id uuid.UUID) (parking.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

type fakeReceipts struct {
	mu       sync.Mutex
	receipts []parking.Receipt
}

func (r *fakeReceipts) CreateReceipt(_ context.Context, receipt *parking.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, *receipt)
	return nil
}

func (r *fakeReceipts) ListReceipts(_ context.Context, _ repository.ReceiptFilter) ([]parking.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]parking.Receipt(nil), r.receipts...), nil
}

type fakeSink struct {
	mu       sync.Mutex
	receipts []parking.Receipt
	faults   []parking.FaultKind
}

func (s *fakeSink) OnReceipt(receipt parking.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, receipt)
}

func (s *fakeSink) OnFault(kind parking.FaultKind, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, kind)
}

func (s *fakeSink) faultCount(kind parking.FaultKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.faults {
		if k == kind {
			n++
		}
	}
	return n
}

type managerFixture struct {
	manager  *SessionManager
	store    *fakeStore
	receipts *fakeReceipts
	sink     *fakeSink
	now      time.Time
}

func newFixture(t *testing.T, policy parking.NoMatchPolicy) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:    newFakeStore(),
		receipts: &fakeReceipts{},
		sink:     &fakeSink{},
		now:      time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC),
	}
	manager, err := NewSessionManager(
		ManagerConfig{
			Tariff:           testTariff,
			NoMatchPolicy:    policy,
			PendingExitGrace: 10 * time.Second,
			PaymentUPIID:     "parking@upi",
			PaymentName:      "Mall Parking",
		},
		f.store, f.receipts, nil, nil, f.sink, zerolog.Nop(),
	)
	require.NoError(t, err)
	manager.SetClock(func() time.Time { return f.now })
	f.manager = manager
	return f
}

func (f *managerFixture) event(plate string, channel parking.Channel, observedAt time.Time) parking.RecognitionEvent {
	return parking.RecognitionEvent{
		Plate:      plate,
		Channel:    channel,
		Confidence: 0.95,
		CameraID:   "cam-1",
		ObservedAt: observedAt,
	}
}

// deliver processes events through the same serialized path Run uses.
func (f *managerFixture) deliver(events ...parking.RecognitionEvent) {
	for _, event := range events {
		f.manager.handle(context.Background(), event)
	}
}

func TestEntryOpensSession(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(f.event("MH12AB1234", parking.ChannelEntry, f.now))

	open := f.manager.OpenSessions()
	require.Len(t, open, 1)
	assert.Equal(t, "MH12AB1234", open[0].Plate)
	assert.Equal(t, parking.SessionOpen, open[0].Status)
	assert.Nil(t, open[0].Fee)

	stored, ok := f.store.get(open[0].ID)
	require.True(t, ok)
	assert.Equal(t, parking.SessionOpen, stored.Status)
}

func TestDuplicateEntryIsIdempotent(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(
		f.event("MH12AB1234", parking.ChannelEntry, f.now),
		f.event("MH12AB1234", parking.ChannelEntry, f.now.Add(3*time.Second)),
	)

	open := f.manager.OpenSessions()
	require.Len(t, open, 1)
	assert.Equal(t, 1, f.store.createCalls)
	// The retrigger's later timestamp does not move the entry time.
	assert.Equal(t, f.now, open[0].EntryTime)
}

func TestDuplicateEntryKeepsEarliestObservation(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(
		f.event("MH12AB1234", parking.ChannelEntry, f.now),
		f.event("MH12AB1234", parking.ChannelEntry, f.now.Add(-2*time.Second)),
	)

	open := f.manager.OpenSessions()
	require.Len(t, open, 1)
	assert.Equal(t, f.now.Add(-2*time.Second), open[0].EntryTime)
}

func TestExitClosesSessionAndEmitsReceipt(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	entry := f.now
	exit := entry.Add(45 * time.Minute)
	f.deliver(
		f.event("KA05XY9999", parking.ChannelEntry, entry),
		f.event("KA05XY9999", parking.ChannelExit, exit),
	)

	assert.Empty(t, f.manager.OpenSessions())

	require.Len(t, f.sink.receipts, 1)
	receipt := f.sink.receipts[0]
	assert.Equal(t, "KA05XY9999", receipt.Plate)
	assert.Equal(t, int64(45), receipt.DurationMinutes)
	assert.Equal(t, 20.0, receipt.Fee)
	assert.Contains(t, receipt.PaymentRef, "upi://pay?pa=parking%40upi")

	stored, ok := f.store.get(receipt.SessionID)
	require.True(t, ok)
	assert.Equal(t, parking.SessionClosed, stored.Status)
	require.NotNil(t, stored.Fee)
	assert.Equal(t, 20.0, *stored.Fee)
	require.NotNil(t, stored.ExitTime)
	assert.True(t, stored.EntryTime.Before(*stored.ExitTime))

	persisted, err := f.receipts.ListReceipts(context.Background(), repository.ReceiptFilter{})
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestUnmatchedExitRejectPolicy(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(f.event("KA05XY9999", parking.ChannelExit, f.now))

	assert.Equal(t, 1, f.sink.faultCount(parking.FaultNoMatchingSession))
	assert.Empty(t, f.manager.OpenSessions())
	assert.Equal(t, 0, f.store.createCalls)
	assert.Empty(t, f.sink.receipts)
}

func TestUnmatchedExitReconcilePolicy(t *testing.T) {
	f := newFixture(t, parking.PolicyReconcile)
	f.deliver(f.event("KA05XY9999", parking.ChannelExit, f.now))

	assert.Equal(t, 1, f.sink.faultCount(parking.FaultNoMatchingSession))
	assert.Empty(t, f.manager.OpenSessions())

	sessions, err := f.store.ListSessions(context.Background(), repository.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, parking.SessionClosed, sessions[0].Status)
	assert.True(t, sessions[0].NeedsReview)
	require.NotNil(t, sessions[0].Fee)
	assert.Equal(t, 0.0, *sessions[0].Fee)
}

func TestOutOfOrderArrivalStillCloses(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	t1 := f.now
	t2 := t1.Add(45 * time.Minute)

	// Exit observed at t2 arrives before the entry observed at t1.
	f.deliver(
		f.event("MH12AB1234", parking.ChannelExit, t2),
		f.event("MH12AB1234", parking.ChannelEntry, t1),
	)

	assert.Empty(t, f.manager.OpenSessions())
	require.Len(t, f.sink.receipts, 1)
	receipt := f.sink.receipts[0]
	assert.Equal(t, t1, receipt.EntryTime)
	assert.Equal(t, t2, receipt.ExitTime)
	assert.Equal(t, int64(45), receipt.DurationMinutes)
	assert.Equal(t, 20.0, receipt.Fee)
}

func TestBufferedExitBeforeEntryIsInvalid(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	exitAt := f.now
	entryAt := f.now.Add(5 * time.Minute)

	f.deliver(
		f.event("MH12AB1234", parking.ChannelExit, exitAt),
		f.event("MH12AB1234", parking.ChannelEntry, entryAt),
	)

	// The buffered exit precedes the entry; the session stays open.
	assert.Equal(t, 1, f.sink.faultCount(parking.FaultInvalidDuration))
	require.Len(t, f.manager.OpenSessions(), 1)
	assert.Empty(t, f.sink.receipts)
}

func TestExitBeforeEntryTimeRejected(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(
		f.event("MH12AB1234", parking.ChannelEntry, f.now),
		f.event("MH12AB1234", parking.ChannelExit, f.now.Add(-1*time.Minute)),
	)

	assert.Equal(t, 1, f.sink.faultCount(parking.FaultInvalidDuration))
	require.Len(t, f.manager.OpenSessions(), 1)
	assert.Empty(t, f.sink.receipts)
}

func TestZeroDurationExitBillsMinimumUnit(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(
		f.event("MH12AB1234", parking.ChannelEntry, f.now),
		f.event("MH12AB1234", parking.ChannelExit, f.now),
	)

	require.Len(t, f.sink.receipts, 1)
	assert.Equal(t, int64(1), f.sink.receipts[0].DurationMinutes)
}

func TestPendingExitExpires(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	f.deliver(f.event("MH12AB1234", parking.ChannelExit, f.now))

	// Let the grace window lapse before the entry shows up.
	f.now = f.now.Add(30 * time.Second)
	f.deliver(f.event("MH12AB1234", parking.ChannelEntry, f.now))

	// The stale exit must not close the fresh session.
	require.Len(t, f.manager.OpenSessions(), 1)
	assert.Empty(t, f.sink.receipts)
}

func TestPersistenceFailureRetries(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	// Two failures: the initial write and the in-loop retry that follows it.
	f.store.failNext = 2

	f.deliver(f.event("MH12AB1234", parking.ChannelEntry, f.now))

	// In-memory state stays authoritative despite the failed write.
	require.Len(t, f.manager.OpenSessions(), 1)
	assert.Equal(t, 1, f.sink.faultCount(parking.FaultPersistence))
	session := f.manager.OpenSessions()[0]
	_, ok := f.store.get(session.ID)
	assert.False(t, ok)

	// The next transition flushes the retry queue.
	f.deliver(f.event("KA05XY9999", parking.ChannelEntry, f.now.Add(time.Minute)))
	_, ok = f.store.get(session.ID)
	assert.True(t, ok)
}

func TestAtMostOneOpenSessionPerPlate(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	rng := rand.New(rand.NewSource(42))
	plates := []string{"MH12AB1234", "KA05XY9999", "DL8CAF5031", "TN22A1234"}

	observedAt := f.now
	for i := 0; i < 500; i++ {
		plate := plates[rng.Intn(len(plates))]
		channel := parking.ChannelEntry
		if rng.Intn(2) == 0 {
			channel = parking.ChannelExit
		}
		observedAt = observedAt.Add(time.Duration(rng.Intn(90)) * time.Second)
		f.now = observedAt
		f.deliver(f.event(plate, channel, observedAt))

		seen := make(map[string]int)
		for _, session := range f.manager.OpenSessions() {
			seen[session.Plate]++
			require.LessOrEqual(t, seen[session.Plate], 1,
				"plate %s has more than one open session", session.Plate)
			require.Nil(t, session.Fee, "open session must not carry a fee")
		}
	}

	// Closed sessions carry a fee; open ones never do.
	sessions, err := f.store.ListSessions(context.Background(), repository.SessionFilter{})
	require.NoError(t, err)
	for _, session := range sessions {
		if session.Status == parking.SessionClosed {
			require.NotNil(t, session.Fee)
		} else {
			require.Nil(t, session.Fee)
		}
	}
}

func TestOpenSessionsSnapshotDuringTransitions(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	plates := []string{"MH12AB1234", "KA05XY9999", "DL8CAF5031"}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, session := range f.manager.OpenSessions() {
				if session.Status != parking.SessionOpen {
					t.Errorf("snapshot returned session %s with status %q", session.Plate, session.Status)
					return
				}
				if session.Fee != nil {
					t.Errorf("snapshot returned open session %s carrying a fee", session.Plate)
					return
				}
			}
		}
	}()

	observedAt := f.now
	for i := 0; i < 300; i++ {
		plate := plates[i%len(plates)]
		observedAt = observedAt.Add(time.Minute)
		f.now = observedAt
		f.deliver(
			f.event(plate, parking.ChannelEntry, observedAt),
			// Earlier retrigger forces the entry time rewrite.
			f.event(plate, parking.ChannelEntry, observedAt.Add(-time.Second)),
			f.event(plate, parking.ChannelExit, observedAt.Add(30*time.Second)),
		)
	}

	close(stop)
	<-done
	assert.Empty(t, f.manager.OpenSessions())
}

func TestRunConsumesSubmittedEvents(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.manager.Run(ctx)
	}()

	require.NoError(t, f.manager.Submit(ctx, f.event("MH12AB1234", parking.ChannelEntry, f.now)))
	require.Eventually(t, func() bool {
		return len(f.manager.OpenSessions()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSubmitValidatesInput(t *testing.T) {
	f := newFixture(t, parking.PolicyReject)
	ctx := context.Background()

	err := f.manager.Submit(ctx, parking.RecognitionEvent{Channel: parking.ChannelEntry})
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = f.manager.Submit(ctx, parking.RecognitionEvent{Plate: "MH12AB1234", Channel: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
