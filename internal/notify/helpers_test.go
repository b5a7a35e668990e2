package notify_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/MarcoPoloResearchLab/courier/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

// queueBackend schedules every notification delay after the clock and also records immediate
// deliveries and batch brackets.
type queueBackend struct {
	name    string
	clock   *testClock
	delay   time.Duration
	options int64
	endErr  error

	mu        sync.Mutex
	immediate []notify.Notification
	scheduled []notify.Notification
	received  []int64
	begins    int
	ends      int
}

func (b *queueBackend) Name() string { return b.name }

func (b *queueBackend) CanDeliver(context.Context, notify.Notification) bool { return true }

func (b *queueBackend) Deliver(_ context.Context, notification notify.Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.immediate = append(b.immediate, notification)
	return nil
}

func (b *queueBackend) DeliveryDate(context.Context, notify.Notification) (time.Time, int64, bool) {
	if b.delay <= 0 {
		return time.Time{}, 0, false
	}
	return b.clock.Now().Add(b.delay), b.options, true
}

func (b *queueBackend) DeliverScheduled(_ context.Context, notification notify.Notification, options int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scheduled = append(b.scheduled, notification)
	b.received = append(b.received, options)
	return nil
}

func (b *queueBackend) BeginBatch(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.begins++
}

func (b *queueBackend) EndBatch(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends++
	return b.endErr
}

// directBackend delivers immediately and can reject or fail on demand.
type directBackend struct {
	name     string
	reject   bool
	failWith error

	mu        sync.Mutex
	delivered []notify.Notification
}

func (b *directBackend) Name() string { return b.name }

func (b *directBackend) CanDeliver(context.Context, notify.Notification) bool { return !b.reject }

func (b *directBackend) Deliver(_ context.Context, notification notify.Notification) error {
	if b.failWith != nil {
		return b.failWith
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, notification)
	return nil
}

// failingPendingStore refuses every pending row insert.
type failingPendingStore struct {
	notify.Store
}

func (s failingPendingStore) Transaction(ctx context.Context, fn func(tx notify.Store) error) error {
	return s.Store.Transaction(ctx, func(tx notify.Store) error {
		return fn(failingPendingStore{Store: tx})
	})
}

func (failingPendingStore) InsertPending(context.Context, notify.PendingDraft) (int64, error) {
	return 0, errors.New("disk full")
}

// countingStore counts registration lookups per domain.
type countingStore struct {
	notify.Store
	lookups map[int64]int
}

func (s countingStore) Transaction(ctx context.Context, fn func(tx notify.Store) error) error {
	return s.Store.Transaction(ctx, func(tx notify.Store) error {
		return fn(countingStore{Store: tx, lookups: s.lookups})
	})
}

func (s countingStore) ListRegistrations(ctx context.Context, domainID int64) ([]notify.Registration, error) {
	s.lookups[domainID]++
	return s.Store.ListRegistrations(ctx, domainID)
}

// scheduledOnly exposes a queueBackend without its batch capability.
type scheduledOnly struct {
	queue *queueBackend
}

func (b scheduledOnly) Name() string { return b.queue.Name() }

func (b scheduledOnly) CanDeliver(ctx context.Context, notification notify.Notification) bool {
	return b.queue.CanDeliver(ctx, notification)
}

func (b scheduledOnly) Deliver(ctx context.Context, notification notify.Notification) error {
	return b.queue.Deliver(ctx, notification)
}

func (b scheduledOnly) DeliveryDate(ctx context.Context, notification notify.Notification) (time.Time, int64, bool) {
	return b.queue.DeliveryDate(ctx, notification)
}

func (b scheduledOnly) DeliverScheduled(ctx context.Context, notification notify.Notification, options int64) error {
	return b.queue.DeliverScheduled(ctx, notification, options)
}

type testEnv struct {
	db      *gorm.DB
	store   *store.Store
	service *notify.Service
	clock   *testClock
}

func newTestEnv(t *testing.T, backends ...notify.Backend) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, nil, backends...)
}

func newTestEnvWithStore(t *testing.T, wrap func(notify.Store) notify.Store, backends ...notify.Backend) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:notify-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	entityStore, err := store.New(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	var serviceStore notify.Store = entityStore
	if wrap != nil {
		serviceStore = wrap(entityStore)
	}

	clock := newTestClock()
	service, err := notify.NewService(notify.ServiceConfig{
		Store:      serviceStore,
		Registry:   notify.NewRegistry(backends...),
		Clock:      clock.Now,
		IDProvider: notify.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	return &testEnv{db: db, store: entityStore, service: service, clock: clock}
}

func (e *testEnv) createDomain(t *testing.T, name string) notify.Domain {
	t.Helper()
	domain, err := e.service.CreateDomain(context.Background(), name, nil, 0)
	if err != nil {
		t.Fatalf("failed to create domain %q: %v", name, err)
	}
	return domain
}

func (e *testEnv) register(t *testing.T, userID int64, backend string, options int64, domains ...string) {
	t.Helper()
	refs := make([]notify.DomainRef, 0, len(domains))
	for _, domain := range domains {
		refs = append(refs, notify.DomainName(domain))
	}
	if err := e.service.Register(context.Background(), userID, refs, backend, options); err != nil {
		t.Fatalf("failed to register user %d: %v", userID, err)
	}
}

func (e *testEnv) post(t *testing.T, message, domain string, tags ...string) int {
	t.Helper()
	count, err := e.service.Post(context.Background(), message, notify.DomainName(domain), tags)
	if err != nil {
		t.Fatalf("failed to post %q: %v", message, err)
	}
	return count
}

type pendingView struct {
	Message string
	Tags    []string
}

// stillPending lists the messages and full tags of the user's uncompleted rows in queue order.
func (e *testEnv) stillPending(t *testing.T, userID int64) []pendingView {
	t.Helper()
	entries, err := e.store.ListPending(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to list pending entries: %v", err)
	}
	views := []pendingView{}
	for _, entry := range entries {
		if entry.CompletedAt != nil {
			continue
		}
		views = append(views, pendingView{Message: entry.Message, Tags: entry.Tags})
	}
	return views
}

func (e *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	if err := e.db.Model(model).Count(&total).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return total
}

func messagesOf(notifications []notify.Notification) []string {
	messages := make([]string, 0, len(notifications))
	for _, notification := range notifications {
		messages = append(messages, notification.Message)
	}
	return messages
}

func serviceErrorCode(t *testing.T, err error) string {
	t.Helper()
	var serviceErr *notify.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	return serviceErr.Code()
}

func expectMessages(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected messages %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected messages %v, got %v", want, got)
		}
	}
}

func expectSweep(t *testing.T, got, want notify.SweepResult) {
	t.Helper()
	if got != want {
		t.Fatalf("expected sweep result %+v, got %+v", want, got)
	}
}

func expectPending(t *testing.T, got []pendingView, want ...pendingView) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected pending %v, got %v", want, got)
	}
	for index := range want {
		if got[index].Message != want[index].Message || !sameTags(got[index].Tags, want[index].Tags) {
			t.Fatalf("expected pending %v, got %v", want, got)
		}
	}
}

func sameTags(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range want {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}

func expectCount(t *testing.T, env *testEnv, model any, want int64) {
	t.Helper()
	if got := env.count(t, model); got != want {
		t.Fatalf("expected %d rows of %T, got %d", want, model, got)
	}
}
