package backend

import (
	"context"
	"errors"
	"fmt"

	"wallet/internal/amqp"
	"wallet/internal/events"
	"wallet/internal/kafka"
	"wallet/internal/log"
	"wallet/internal/storage"
	"wallet/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Result, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.createStore(ctx, config)
	if err != nil {
		return nil, err
	}
	publisher := f.createPublisher(config)

	return &Result{
		Store:     store,
		Publisher: publisher,
		Cleanup: func() error {
			return errors.Join(publisher.Close(), store.Close())
		},
	}, nil
}

func (f *DefaultFactory) createStore(ctx context.Context, config Config) (storage.Store, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
		return repo, nil

	case PostgresBackend:
		repo, err := storage.NewPostgresRepository(ctx, config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres repository: %w", err)
		}
		f.logger.Info("Initialized Postgres backend")
		return repo, nil

	case MemoryBackend:
		dataDir := config.DataDirectory
		if dataDir == "" {
			dataDir = "data"
		}
		f.logger.Info("Initialized memory backend", "data_directory", dataDir)
		return memory.NewFromFiles(dataDir), nil

	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// createPublisher never fails: events are best effort. A broker that is
// down at startup is dialled again on the next publish.
func (f *DefaultFactory) createPublisher(config Config) events.Publisher {
	switch config.Events {
	case AMQPEvents:
		client := amqp.NewLazyClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err := client.Connect(); err != nil {
			f.logger.Warn("AMQP broker unreachable, publishing will reconnect on demand",
				log.FieldError, err,
				"exchange", config.AMQPExchange)
			return client
		}
		f.logger.Info("Initialized AMQP publisher",
			"exchange", config.AMQPExchange,
			"queue", config.AMQPQueue)
		return client

	case KafkaEvents:
		f.logger.Info("Initialized Kafka publisher", "topic", config.KafkaTopic, "brokers", config.KafkaBrokers)
		return kafka.NewPublisher(config.KafkaBrokers, config.KafkaTopic)

	default:
		return events.Nop{}
	}
}

// CreateConsumer implements Factory.CreateConsumer
func (f *DefaultFactory) CreateConsumer(ctx context.Context, config Config) (events.Consumer, error) {
	switch config.Events {
	case AMQPEvents:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AMQP consumer: %w", err)
		}
		return client, nil
	case KafkaEvents:
		if config.KafkaGroupID == "" {
			return nil, fmt.Errorf("Kafka group id is required to consume events")
		}
		return kafka.NewConsumer(config.KafkaBrokers, config.KafkaTopic, config.KafkaGroupID), nil
	default:
		return nil, ErrEventsDisabled
	}
}

// ErrEventsDisabled is returned by CreateConsumer when EVENTS_BACKEND is none.
var ErrEventsDisabled = errors.New("events backend disabled")
