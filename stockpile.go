// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package stockpile assembles the catalog import pipeline from a
// config.Config: storage backends, the notification transport and the
// ingestion stages.
package stockpile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/poiesic/stockpile/config"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/ingestion"
	"github.com/poiesic/stockpile/storage"
	"github.com/poiesic/stockpile/storage/awsstore"
	"github.com/poiesic/stockpile/storage/badger"
	"github.com/poiesic/stockpile/storage/kafka"
	"github.com/poiesic/stockpile/storage/local"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNotSupported is returned for operations the configured backend lacks.
var ErrNotSupported = errors.New("not supported by backend")

const (
	recordQueueName = "records"
	// eventContentType marks Kafka messages as structured CloudEvents.
	eventContentType = "application/cloudevents+json"
)

// Service owns the storage handles for one stockpile deployment.
type Service struct {
	cfg     *config.Config
	backend *badger.Backend
	flows   *badger.FlowRepository

	objects storage.ObjectStore
	events  storage.ObjectEvents
	queue   storage.Queue
	catalog storage.CatalogRepository
	notify  storage.Publisher

	// Set in local mode only.
	localQueue   *badger.Queue
	localObjects *local.ObjectStore
	broker       *local.Broker

	kafka   *kafka.Publisher
	metrics *ingestion.Metrics
	logger  *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	session    *session.Session
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithRegisterer records pipeline metrics on reg.
func WithRegisterer(reg prometheus.Registerer) ServiceOption {
	return func(o *serviceOptions) {
		o.registerer = reg
	}
}

// WithAWSSession reuses an existing AWS session instead of creating one.
func WithAWSSession(sess *session.Session) ServiceOption {
	return func(o *serviceOptions) {
		o.session = sess
	}
}

// NewService validates cfg and opens every store it names. Caller must
// call Close when done.
func NewService(cfg *config.Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	s := &Service{cfg: cfg, logger: options.logger}
	if options.registerer != nil {
		m, err := ingestion.NewMetrics(options.registerer)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		s.metrics = m
	}

	// Flows are tracked locally for every backend.
	backend, err := badger.OpenBackend(filepath.Join(cfg.DataDir, "db"), false)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.backend = backend
	s.flows = badger.NewFlowRepository(backend)

	sess := options.session
	awsSession := func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		var err error
		sess, err = awsstore.NewSession(awsstore.SessionConfig{
			Region:     cfg.AWS.Region,
			Endpoint:   cfg.AWS.Endpoint,
			MaxRetries: cfg.AWS.MaxRetries,
		}, s.logger)
		return sess, err
	}

	if err := s.openBackend(awsSession); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openNotifier(awsSession); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Info("service ready",
		"backend", cfg.Backend,
		"notify", cfg.Notify.Driver,
		"data_dir", cfg.DataDir)
	return s, nil
}

func (s *Service) openBackend(awsSession func() (*session.Session, error)) error {
	cfg := s.cfg
	switch cfg.Backend {
	case config.BackendLocal:
		queue, err := badger.NewQueue(s.backend, recordQueueName, badger.WithMaxReceives(cfg.Queue.MaxReceives))
		if err != nil {
			return err
		}
		s.localQueue = queue
		s.queue = queue
		s.catalog = badger.NewCatalogRepository(s.backend)

		objects, err := local.NewObjectStore(cfg.ObjectRoot(), cfg.Local.PublicURL, []byte(cfg.Local.Secret), local.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.localObjects = objects
		s.objects = objects
		s.events = objects
		return nil

	case config.BackendAWS:
		sess, err := awsSession()
		if err != nil {
			return err
		}
		if s.objects, err = awsstore.NewObjectStore(s3.New(sess), cfg.AWS.Bucket); err != nil {
			return err
		}
		sqsClient := sqs.New(sess)
		if s.events, err = awsstore.NewObjectEvents(sqsClient, cfg.AWS.EventsQueueURL, s.logger); err != nil {
			return err
		}
		if s.queue, err = awsstore.NewQueue(sqsClient, cfg.AWS.QueueURL); err != nil {
			return err
		}
		if s.catalog, err = awsstore.NewCatalogRepository(dynamodb.New(sess), cfg.AWS.Table); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (s *Service) openNotifier(awsSession func() (*session.Session, error)) error {
	cfg := s.cfg
	switch cfg.Notify.Driver {
	case config.NotifyLocal:
		s.broker = local.NewBroker(s.logger)
		s.notify = s.broker
	case config.NotifyKafka:
		pub, err := kafka.NewPublisher(cfg.Notify.KafkaBrokers, eventContentType, s.logger)
		if err != nil {
			return err
		}
		s.kafka = pub
		s.notify = pub
	case config.NotifySNS:
		sess, err := awsSession()
		if err != nil {
			return err
		}
		pub, err := awsstore.NewPublisher(sns.New(sess), s.logger)
		if err != nil {
			return err
		}
		s.notify = pub
	default:
		return fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
	return nil
}

// Close releases the queue and publishers, then closes the database.
func (s *Service) Close() error {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("error closing kafka publisher", "err", err)
		}
	}
	if s.localQueue != nil {
		if err := s.localQueue.Close(); err != nil {
			s.logger.Error("error closing queue", "err", err)
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			s.logger.Error("error closing backend storage", "err", err)
			return err
		}
	}
	return nil
}

// Config returns the service's configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Catalog returns the catalog table.
func (s *Service) Catalog() storage.CatalogRepository {
	return s.catalog
}

// Flows returns the flow tracker.
func (s *Service) Flows() storage.FlowRepository {
	return s.flows
}

// Queue returns the record work queue.
func (s *Service) Queue() storage.Queue {
	return s.queue
}

// Broker returns the in-process notification broker, or nil when
// notifications leave the process.
func (s *Service) Broker() *local.Broker {
	return s.broker
}

// UploadHandler accepts signed PUT uploads in local mode. It is nil for
// the aws backend, where uploads go straight to S3.
func (s *Service) UploadHandler() http.Handler {
	if s.localObjects == nil {
		return nil
	}
	return s.localObjects
}

// NewTicketIssuer creates an issuer for the configured object store.
func (s *Service) NewTicketIssuer() (*ingestion.TicketIssuer, error) {
	return ingestion.NewTicketIssuer(s.objects, s.flows, ingestion.TicketConfig{
		Prefix:           s.cfg.Tickets.Prefix,
		DefaultExtension: s.cfg.Tickets.DefaultExtension,
		TTL:              s.cfg.Tickets.TTL,
	}, s.logger, s.metrics)
}

// NewNotifier creates the batch completion notifier.
func (s *Service) NewNotifier() (*ingestion.CompletionNotifier, error) {
	return ingestion.NewCompletionNotifier(s.notify, s.cfg.NotifyTopic(), s.cfg.Notify.Source,
		ingestion.RetryPolicy{
			MaxAttempts: s.cfg.Retry.NotifyAttempts,
			BaseDelay:   s.cfg.Retry.NotifyBaseDelay,
		}, s.logger)
}

// NewPipeline assembles the parse, enqueue and drain stages. opts are
// applied after the configured ones.
func (s *Service) NewPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	cfg := s.cfg
	publisher, err := ingestion.NewRecordPublisher(s.queue, ingestion.RetryPolicy{
		MaxAttempts: cfg.Retry.EnqueueAttempts,
		BaseDelay:   cfg.Retry.EnqueueBaseDelay,
	}, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	notifier, err := s.NewNotifier()
	if err != nil {
		return nil, err
	}
	consumer, err := ingestion.NewBatchConsumer(s.queue, s.catalog, notifier, s.flows, ingestion.ConsumerConfig{
		Visibility: cfg.Queue.Visibility,
		Wait:       cfg.Queue.PollWait,
		PoolSize:   cfg.PoolSize,
	}, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}

	base := []ingestion.Option{
		ingestion.WithLogger(s.logger),
		ingestion.WithMetrics(s.metrics),
		ingestion.WithParser(ingestion.NewRecordParser(cfg.Parser.Delimiter, s.logger, s.metrics)),
		ingestion.WithEvents(s.events),
		ingestion.WithFlows(s.flows),
		ingestion.WithPoolSize(cfg.PoolSize),
		ingestion.WithPrefix(cfg.Tickets.Prefix),
		ingestion.WithBatchSize(cfg.Queue.BatchSize),
		ingestion.WithPollInterval(cfg.Queue.PollInterval),
	}
	pipeline, err := ingestion.NewPipeline(s.objects, publisher, consumer, append(base, opts...)...)
	if err != nil {
		consumer.Release()
		return nil, err
	}
	return pipeline, nil
}

// GetItem returns one catalog item.
func (s *Service) GetItem(ctx context.Context, id string) (*core.CatalogItem, error) {
	return s.catalog.Get(ctx, id)
}

// ListItems returns every catalog item.
func (s *Service) ListItems(ctx context.Context) ([]*core.CatalogItem, error) {
	var items []*core.CatalogItem
	err := s.catalog.Scan(ctx, func(item *core.CatalogItem) error {
		items = append(items, item)
		return nil
	})
	return items, err
}

// ListFlows returns every tracked upload.
func (s *Service) ListFlows(ctx context.Context) ([]*core.Flow, error) {
	return s.flows.ListFlows(ctx)
}

// DeadLetters returns units that exhausted their deliveries. SQS keeps
// these in its redrive queue, so the aws backend returns ErrNotSupported.
func (s *Service) DeadLetters(ctx context.Context) ([]*core.QueuedUnit, error) {
	if s.localQueue == nil {
		return nil, ErrNotSupported
	}
	return s.localQueue.DeadLetters(ctx)
}

// QueueStats counts local queue units by delivery state.
func (s *Service) QueueStats(ctx context.Context) (badger.QueueStats, error) {
	if s.localQueue == nil {
		return badger.QueueStats{}, ErrNotSupported
	}
	return s.localQueue.Stats(ctx)
}
