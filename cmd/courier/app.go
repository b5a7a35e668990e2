package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/config"
	"github.com/MarcoPoloResearchLab/courier/internal/database"
	"github.com/MarcoPoloResearchLab/courier/internal/delivery"
	"github.com/MarcoPoloResearchLab/courier/internal/notify"
	"github.com/MarcoPoloResearchLab/courier/internal/store"
	"github.com/MarcoPoloResearchLab/courier/internal/users"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	backendLog    = "log"
	backendStream = "stream"
	backendDigest = "digest"
	backendEmail  = "email"
	backendPush   = "push"
	backendQueue  = "queue"
)

// application holds everything a command needs; close releases it in reverse order.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	service  *notify.Service
	contacts *users.Service
	stream   *delivery.StreamBackend
	closers  []func() error
}

type loggerFactory func(level string) (*zap.Logger, error)

func newApplication(newLogger loggerFactory) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}
	if err := app.init(); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (a *application) init() error {
	db, err := database.OpenSQLite(a.config.DatabasePath, a.logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sqlDB.Close)

	entityStore, err := store.New(db)
	if err != nil {
		return err
	}

	reader, err := database.OpenSQLiteReader(a.config.DatabasePath)
	if err != nil {
		return err
	}
	readerDB, err := reader.DB()
	if err != nil {
		return err
	}
	a.closers = append(a.closers, readerDB.Close)

	contacts, err := users.NewService(users.ServiceConfig{Database: db, Reader: reader, Clock: time.Now})
	if err != nil {
		return err
	}
	if err := seedContacts(contacts, a.config.Backends.Postmark.Addresses); err != nil {
		return err
	}
	a.contacts = contacts

	resolver, err := notify.ResolverByName(a.config.Resolver)
	if err != nil {
		return err
	}

	backends, err := a.buildBackends()
	if err != nil {
		return err
	}

	service, err := notify.NewService(notify.ServiceConfig{
		Store:      entityStore,
		Registry:   notify.NewRegistry(backends...),
		Resolver:   resolver,
		Clock:      time.Now,
		IDProvider: notify.NewUUIDProvider(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	a.service = service
	return nil
}

func (a *application) buildBackends() ([]notify.Backend, error) {
	cfg := a.config.Backends
	backends := []notify.Backend{}

	if cfg.LogEnabled {
		backends = append(backends, delivery.NewLogBackend(backendLog, a.logger))
	}
	if cfg.StreamEnabled {
		a.stream = delivery.NewStreamBackend(backendStream)
		backends = append(backends, a.stream)
	}

	var email *delivery.EmailBackend
	if cfg.EmailEnabled() {
		backend, err := delivery.NewEmailBackend(delivery.EmailConfig{
			Name:      backendEmail,
			Sender:    cfg.Postmark.Sender,
			Client:    delivery.NewPostmarkClient(cfg.Postmark.ServerToken, cfg.Postmark.AccountToken),
			Addresses: a.contacts,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("email backend: %w", err)
		}
		email = backend
		backends = append(backends, email)
	}

	if cfg.DigestEnabled {
		var sink delivery.DigestSink = delivery.LogDigestSink{Logger: a.logger}
		if cfg.DigestSink == config.DigestSinkEmail {
			if email == nil {
				return nil, errors.New("digest backend: email sink requires postmark")
			}
			sink = email
		}
		digest, err := delivery.NewDigestBackend(delivery.DigestConfig{
			Name:   backendDigest,
			Sink:   sink,
			Logger: a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("digest backend: %w", err)
		}
		backends = append(backends, digest)
	}

	if cfg.Redis.URL != "" {
		client, err := delivery.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("push backend: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		push, err := delivery.NewPushBackend(delivery.PushConfig{
			Name:          backendPush,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			Client:        client,
		})
		if err != nil {
			return nil, fmt.Errorf("push backend: %w", err)
		}
		backends = append(backends, push)
	}

	if cfg.AMQP.URL != "" {
		connection, channel, err := delivery.DialQueue(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, fmt.Errorf("queue backend: %w", err)
		}
		a.closers = append(a.closers, connection.Close, channel.Close)
		queue, err := delivery.NewQueueBackend(delivery.QueueConfig{
			Name:     backendQueue,
			Exchange: cfg.AMQP.Exchange,
			Channel:  channel,
		})
		if err != nil {
			return nil, fmt.Errorf("queue backend: %w", err)
		}
		backends = append(backends, queue)
	}

	a.logger.Debug("delivery backends configured", zap.Int("count", len(backends)))
	return backends, nil
}

func (a *application) close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

// seedContacts stores the addresses listed in configuration so they survive alongside contacts set at runtime.
func seedContacts(contacts *users.Service, addresses map[int64]string) error {
	ctx := context.Background()
	for userID, address := range addresses {
		if _, err := contacts.SetContact(ctx, userID, address, ""); err != nil {
			return fmt.Errorf("seed contact %d: %w", userID, err)
		}
	}
	return nil
}
