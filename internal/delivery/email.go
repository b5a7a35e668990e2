package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/mrz1836/postmark"
	"go.uber.org/zap"
)

var (
	// ErrEmailRejected indicates that Postmark accepted the request but refused the message.
	ErrEmailRejected = errors.New("delivery: email rejected")

	errMissingEmailClient = errors.New("email client is required")
	errMissingSender      = errors.New("sender address is required")
	errUnknownRecipient   = errors.New("recipient address unknown")
)

const subjectLimit = 78

// EmailSender is the subset of the Postmark client used for delivery.
type EmailSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// AddressBook resolves user ids to e-mail addresses.
type AddressBook interface {
	Address(ctx context.Context, userID int64) (string, bool)
}

// StaticAddressBook is an in-memory AddressBook.
type StaticAddressBook map[int64]string

func (b StaticAddressBook) Address(_ context.Context, userID int64) (string, bool) {
	address, ok := b[userID]
	address = strings.TrimSpace(address)
	return address, ok && address != ""
}

type EmailConfig struct {
	Name      string
	Sender    string
	Client    EmailSender
	Addresses AddressBook
	Logger    *zap.Logger
}

// EmailBackend sends notifications through Postmark. It also serves as a DigestSink.
type EmailBackend struct {
	name      string
	sender    string
	client    EmailSender
	addresses AddressBook
	logger    *zap.Logger
}

// NewPostmarkClient builds the Postmark API client.
func NewPostmarkClient(serverToken, accountToken string) *postmark.Client {
	return postmark.NewClient(serverToken, accountToken)
}

func NewEmailBackend(cfg EmailConfig) (*EmailBackend, error) {
	if cfg.Client == nil {
		return nil, errMissingEmailClient
	}
	if strings.TrimSpace(cfg.Sender) == "" {
		return nil, errMissingSender
	}
	addresses := cfg.Addresses
	if addresses == nil {
		addresses = StaticAddressBook{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailBackend{
		name:      cfg.Name,
		sender:    strings.TrimSpace(cfg.Sender),
		client:    cfg.Client,
		addresses: addresses,
		logger:    logger,
	}, nil
}

func (b *EmailBackend) Name() string {
	return b.name
}

// CanDeliver reports whether the recipient has a known address.
func (b *EmailBackend) CanDeliver(ctx context.Context, notification notify.Notification) bool {
	_, ok := b.addresses.Address(ctx, notification.UserID)
	return ok
}

func (b *EmailBackend) Deliver(ctx context.Context, notification notify.Notification) error {
	return b.send(ctx, notification.UserID, notification.Domain.Name,
		subjectFor(notification.Domain.Name, firstLine(notification.Message)),
		notification.Message)
}

func (b *EmailBackend) SendDigest(ctx context.Context, digest Digest) error {
	if len(digest.Notifications) == 0 {
		return nil
	}
	var body strings.Builder
	for index, notification := range digest.Notifications {
		if index > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString("- ")
		body.WriteString(notification.Message)
	}
	subject := subjectFor(digest.Domain.Name, fmt.Sprintf("%d new notifications", len(digest.Notifications)))
	if len(digest.Notifications) == 1 {
		subject = subjectFor(digest.Domain.Name, firstLine(digest.Notifications[0].Message))
	}
	return b.send(ctx, digest.UserID, digest.Domain.Name, subject, body.String())
}

func (b *EmailBackend) send(ctx context.Context, userID int64, domain, subject, body string) error {
	address, ok := b.addresses.Address(ctx, userID)
	if !ok {
		return fmt.Errorf("%w: user %d", errUnknownRecipient, userID)
	}
	response, err := b.client.SendEmail(ctx, postmark.Email{
		From:     b.sender,
		To:       address,
		Subject:  subject,
		Tag:      domain,
		TextBody: body,
	})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	if response.ErrorCode > 0 {
		return fmt.Errorf("%w: postmark error %d: %s", ErrEmailRejected, response.ErrorCode, response.Message)
	}
	b.logger.Debug("email sent",
		zap.Int64("user_id", userID),
		zap.String("domain", domain),
		zap.String("message_id", response.MessageID))
	return nil
}

func subjectFor(domain, summary string) string {
	subject := summary
	if domain != "" {
		subject = fmt.Sprintf("[%s] %s", domain, summary)
	}
	runes := []rune(subject)
	if len(runes) > subjectLimit {
		return string(runes[:subjectLimit-3]) + "..."
	}
	return subject
}

func firstLine(message string) string {
	trimmed := strings.TrimSpace(message)
	if index := strings.IndexByte(trimmed, '\n'); index >= 0 {
		return strings.TrimSpace(trimmed[:index])
	}
	return trimmed
}
