package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/mrz1836/postmark"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampleNotification() notify.Notification {
	return notify.Notification{
		ID:          12,
		PostID:      "0192f1c4-7c5e-7000-8000-000000000001",
		Domain:      notify.Domain{ID: 3, Name: "billing"},
		Message:     "Invoice ready\nTotal: 42 EUR",
		Tags:        []string{"invoice"},
		UserID:      7,
		UserOptions: 3600,
		Updated:     time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC),
	}
}

type recordingSender struct {
	mu       sync.Mutex
	emails   []postmark.Email
	response postmark.EmailResponse
	err      error
}

func (s *recordingSender) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, email)
	return s.response, s.err
}

type recordingPublisher struct {
	channel string
	message interface{}
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.message = message
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

type recordingChannel struct {
	exchange   string
	key        string
	publishing amqp.Publishing
	err        error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.publishing = msg
	return c.err
}

type recordingSink struct {
	digests []Digest
	err     error
}

func (s *recordingSink) SendDigest(_ context.Context, digest Digest) error {
	if s.err != nil {
		return s.err
	}
	s.digests = append(s.digests, digest)
	return nil
}

func TestCallbackBackendDelegates(t *testing.T) {
	var received []string
	backend := NewCallbackBackend("callback", func(_ context.Context, notification notify.Notification) error {
		received = append(received, notification.Message)
		return nil
	})
	if backend.Name() != "callback" {
		t.Fatalf("unexpected name %q", backend.Name())
	}
	if !backend.CanDeliver(context.Background(), sampleNotification()) {
		t.Fatalf("expected callback backend to accept every notification")
	}
	if err := backend.Deliver(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if len(received) != 1 || received[0] != sampleNotification().Message {
		t.Fatalf("unexpected deliveries %v", received)
	}

	if err := NewCallbackBackend("empty", nil).Deliver(context.Background(), sampleNotification()); err == nil {
		t.Fatalf("expected an error without a callback")
	}
}

func TestSchedulerBackendDelegates(t *testing.T) {
	at := time.Date(2026, time.October, 20, 8, 0, 0, 0, time.UTC)
	var scheduledOptions int64
	backend := NewSchedulerBackend("scheduler",
		func(context.Context, notify.Notification) (time.Time, int64, bool) { return at, 5, true },
		func(_ context.Context, _ notify.Notification, options int64) error {
			scheduledOptions = options
			return nil
		},
		nil,
	)

	var scheduled notify.Backend = backend
	if _, ok := scheduled.(notify.ScheduledBackend); !ok {
		t.Fatalf("expected a scheduled backend")
	}

	gotAt, options, ok := backend.DeliveryDate(context.Background(), sampleNotification())
	if !ok || !gotAt.Equal(at) || options != 5 {
		t.Fatalf("unexpected delivery date %v, %d, %v", gotAt, options, ok)
	}
	if err := backend.DeliverScheduled(context.Background(), sampleNotification(), options); err != nil {
		t.Fatalf("scheduled delivery failed: %v", err)
	}
	if scheduledOptions != 5 {
		t.Fatalf("expected options to reach the callback, got %d", scheduledOptions)
	}

	if _, _, ok := NewSchedulerBackend("never", nil, nil, nil).DeliveryDate(context.Background(), sampleNotification()); ok {
		t.Fatalf("expected no delivery date without a schedule callback")
	}
}

func TestWithResolverKeepsCapabilities(t *testing.T) {
	digest, err := NewDigestBackend(DigestConfig{Name: "digest", Sink: &recordingSink{}})
	if err != nil {
		t.Fatalf("failed to build digest backend: %v", err)
	}

	testCases := []struct {
		name          string
		backend       notify.Backend
		wantScheduled bool
		wantGrouped   bool
	}{
		{name: "plain", backend: NewCallbackBackend("plain", nil)},
		{name: "scheduled", backend: NewSchedulerBackend("scheduled", nil, nil, nil), wantScheduled: true},
		{name: "scheduled and grouped", backend: digest, wantScheduled: true, wantGrouped: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			wrapped := WithResolver(testCase.backend, notify.PickPosted())
			resolved, ok := wrapped.(notify.ResolvedBackend)
			if !ok || resolved.Resolver() == nil {
				t.Fatalf("expected a resolver on the wrapped backend")
			}
			if wrapped.Name() != testCase.backend.Name() {
				t.Fatalf("expected name %q, got %q", testCase.backend.Name(), wrapped.Name())
			}
			_, isScheduled := wrapped.(notify.ScheduledBackend)
			_, isGrouped := wrapped.(notify.GroupedBackend)
			if isScheduled != testCase.wantScheduled || isGrouped != testCase.wantGrouped {
				t.Fatalf("unexpected capabilities scheduled=%v grouped=%v", isScheduled, isGrouped)
			}
		})
	}
}

func TestLogBackendWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	backend := NewLogBackend("log", zap.New(core))

	if err := backend.Deliver(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	entries := logs.FilterMessage("notification delivered").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != int64(7) || fields["domain"] != "billing" || fields["entry_id"] != int64(12) {
		t.Fatalf("unexpected log fields %v", fields)
	}
}

func TestDigestBackendSchedulesAtUserOffset(t *testing.T) {
	now := time.Date(2026, time.October, 19, 9, 30, 0, 0, time.UTC)
	backend, err := NewDigestBackend(DigestConfig{Name: "digest", Sink: &recordingSink{}, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to build digest backend: %v", err)
	}

	at, _, ok := backend.DeliveryDate(context.Background(), sampleNotification())
	if want := time.Date(2026, time.October, 20, 1, 0, 0, 0, time.UTC); !ok || !at.Equal(want) {
		t.Fatalf("expected %v, got %v", want, at)
	}

	late := sampleNotification()
	late.UserOptions = 18 * 3600
	at, _, ok = backend.DeliveryDate(context.Background(), late)
	if want := time.Date(2026, time.October, 19, 18, 0, 0, 0, time.UTC); !ok || !at.Equal(want) {
		t.Fatalf("expected %v, got %v", want, at)
	}
}

func TestDigestBackendGroupsByUserAndDomain(t *testing.T) {
	sink := &recordingSink{}
	backend, err := NewDigestBackend(DigestConfig{Name: "digest", Sink: sink})
	if err != nil {
		t.Fatalf("failed to build digest backend: %v", err)
	}
	ctx := context.Background()

	first := sampleNotification()
	second := sampleNotification()
	second.Message = "Payment received"
	other := sampleNotification()
	other.UserID = 8
	otherDomain := sampleNotification()
	otherDomain.Domain = notify.Domain{ID: 4, Name: "security"}

	backend.BeginBatch(ctx)
	for _, notification := range []notify.Notification{first, other, second, otherDomain} {
		if err := backend.DeliverScheduled(ctx, notification, 0); err != nil {
			t.Fatalf("scheduled delivery failed: %v", err)
		}
	}
	if len(sink.digests) != 0 {
		t.Fatalf("expected digests to wait for the end of the batch")
	}
	if err := backend.EndBatch(ctx); err != nil {
		t.Fatalf("end batch failed: %v", err)
	}

	if len(sink.digests) != 3 {
		t.Fatalf("expected three digests, got %d", len(sink.digests))
	}
	if sink.digests[0].UserID != 7 || sink.digests[0].Domain.Name != "billing" || len(sink.digests[0].Notifications) != 2 {
		t.Fatalf("unexpected first digest %+v", sink.digests[0])
	}
	if sink.digests[1].UserID != 8 || sink.digests[2].Domain.Name != "security" {
		t.Fatalf("unexpected digest order %+v", sink.digests)
	}

	if err := backend.DeliverScheduled(ctx, first, 0); err != nil {
		t.Fatalf("scheduled delivery failed: %v", err)
	}
	if len(sink.digests) != 4 {
		t.Fatalf("outside a batch digests are sent right away, got %d", len(sink.digests))
	}
}

func TestDigestBackendEndBatchReportsSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp unavailable")}
	backend, err := NewDigestBackend(DigestConfig{Name: "digest", Sink: sink})
	if err != nil {
		t.Fatalf("failed to build digest backend: %v", err)
	}
	ctx := context.Background()

	backend.BeginBatch(ctx)
	if err := backend.DeliverScheduled(ctx, sampleNotification(), 0); err != nil {
		t.Fatalf("scheduled delivery failed: %v", err)
	}
	if err := backend.EndBatch(ctx); err == nil {
		t.Fatalf("expected the sink failure to be reported")
	}

	if _, err := NewDigestBackend(DigestConfig{Name: "digest"}); err == nil {
		t.Fatalf("expected an error without a sink")
	}
}

func TestEmailBackendSendsThroughPostmark(t *testing.T) {
	sender := &recordingSender{response: postmark.EmailResponse{MessageID: "abc"}}
	backend, err := NewEmailBackend(EmailConfig{
		Name:      "email",
		Sender:    "alerts@example.com",
		Client:    sender,
		Addresses: StaticAddressBook{7: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("failed to build email backend: %v", err)
	}
	ctx := context.Background()

	if !backend.CanDeliver(ctx, sampleNotification()) {
		t.Fatalf("expected a known user to be deliverable")
	}
	stranger := sampleNotification()
	stranger.UserID = 99
	if backend.CanDeliver(ctx, stranger) {
		t.Fatalf("expected a user without an address to be refused")
	}

	if err := backend.Deliver(ctx, sampleNotification()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if len(sender.emails) != 1 {
		t.Fatalf("expected one email, got %d", len(sender.emails))
	}
	email := sender.emails[0]
	if email.From != "alerts@example.com" || email.To != "ada@example.com" {
		t.Fatalf("unexpected envelope %s -> %s", email.From, email.To)
	}
	if email.Subject != "[billing] Invoice ready" || email.Tag != "billing" || email.TextBody != sampleNotification().Message {
		t.Fatalf("unexpected email %+v", email)
	}

	second := sampleNotification()
	second.Message = "Payment received"
	digest := Digest{
		UserID:        7,
		Domain:        sampleNotification().Domain,
		Notifications: []notify.Notification{sampleNotification(), second},
	}
	if err := backend.SendDigest(ctx, digest); err != nil {
		t.Fatalf("send digest failed: %v", err)
	}
	if len(sender.emails) != 2 {
		t.Fatalf("expected a digest email, got %d emails", len(sender.emails))
	}
	if sender.emails[1].Subject != "[billing] 2 new notifications" || !strings.Contains(sender.emails[1].TextBody, "- Payment received") {
		t.Fatalf("unexpected digest email %+v", sender.emails[1])
	}

	sender.response = postmark.EmailResponse{ErrorCode: 406, Message: "Inactive recipient"}
	if err := backend.Deliver(ctx, sampleNotification()); !errors.Is(err, ErrEmailRejected) {
		t.Fatalf("expected ErrEmailRejected, got %v", err)
	}

	if _, err := NewEmailBackend(EmailConfig{Name: "email", Client: sender}); err == nil {
		t.Fatalf("expected an error without a sender address")
	}
}

func TestPushBackendPublishesJSON(t *testing.T) {
	publisher := &recordingPublisher{}
	backend, err := NewPushBackend(PushConfig{Name: "push", ChannelPrefix: "courier-test", Client: publisher})
	if err != nil {
		t.Fatalf("failed to build push backend: %v", err)
	}

	if err := backend.Deliver(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if publisher.channel != "courier-test:user:7" {
		t.Fatalf("unexpected channel %q", publisher.channel)
	}

	body, ok := publisher.message.([]byte)
	if !ok {
		t.Fatalf("expected a byte payload, got %T", publisher.message)
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Domain != "billing" || !reflect.DeepEqual(payload.Tags, []string{"invoice"}) || payload.EntryID != 12 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	publisher.err = errors.New("connection refused")
	if err := backend.Deliver(context.Background(), sampleNotification()); err == nil {
		t.Fatalf("expected the publish failure to be reported")
	}
}

func TestQueueBackendPublishesToExchange(t *testing.T) {
	channel := &recordingChannel{}
	stamp := time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC)
	backend, err := NewQueueBackend(QueueConfig{Name: "queue", Channel: channel, Clock: func() time.Time { return stamp }})
	if err != nil {
		t.Fatalf("failed to build queue backend: %v", err)
	}

	if err := backend.Deliver(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if channel.exchange != defaultExchange || channel.key != "billing.user.7" {
		t.Fatalf("unexpected route %s / %s", channel.exchange, channel.key)
	}
	publishing := channel.publishing
	if publishing.ContentType != "application/json" || publishing.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing headers %+v", publishing)
	}
	if publishing.MessageId != sampleNotification().PostID || !publishing.Timestamp.Equal(stamp) {
		t.Fatalf("unexpected publishing metadata %+v", publishing)
	}

	var payload Payload
	if err := json.Unmarshal(publishing.Body, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.UserID != 7 {
		t.Fatalf("unexpected payload user %d", payload.UserID)
	}

	channel.err = errors.New("channel closed")
	if err := backend.Deliver(context.Background(), sampleNotification()); err == nil {
		t.Fatalf("expected the publish failure to be reported")
	}
}

func TestQueueRoutingKeyKeepsDomainAsOneTopicWord(t *testing.T) {
	testCases := []struct {
		domain string
		want   string
	}{
		{domain: "billing", want: "billing.user.7"},
		{domain: "Page Changed", want: "page_changed.user.7"},
		{domain: "eu.invoices", want: "eu_invoices.user.7"},
		{domain: "  alerts * #  ", want: "alerts.user.7"},
		{domain: "build-status", want: "build-status.user.7"},
		{domain: "#", want: "_.user.7"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.domain, func(t *testing.T) {
			notification := sampleNotification()
			notification.Domain.Name = testCase.domain
			if got := routingKey(notification); got != testCase.want {
				t.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}
