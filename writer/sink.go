package writer

import (
	"context"
	"errors"

	"candleflow/config"
	"candleflow/internal/metrics"
	"candleflow/logger"
	"candleflow/models"
)

const sinkComponent = "sink"

// Sink receives a copy of every chunk after it has been persisted.
type Sink interface {
	Name() string
	Write(ctx context.Context, batches [][]models.Candlestick) error
	Close() error
}

// Primary is the store a chunk must reach. storage.Gateway satisfies it.
type Primary interface {
	BulkInsert(ctx context.Context, batches [][]models.Candlestick) error
}

// MultiSink persists a chunk to the primary store and then copies it to every secondary sink.
// Only the primary's error is returned; secondary failures are logged.
type MultiSink struct {
	primary     Primary
	secondaries []Sink
	log         *logger.Log
}

func NewMultiSink(primary Primary, secondaries ...Sink) *MultiSink {
	return &MultiSink{
		primary:     primary,
		secondaries: secondaries,
		log:         logger.GetLogger(),
	}
}

// BulkInsert writes the chunk to the primary store. Secondaries only see chunks the
// primary accepted.
func (m *MultiSink) BulkInsert(ctx context.Context, batches [][]models.Candlestick) error {
	if err := m.primary.BulkInsert(ctx, batches); err != nil {
		return err
	}

	bars := models.CountBars(batches)
	for _, s := range m.secondaries {
		log := m.log.WithComponent(sinkComponent).WithFields(logger.Fields{
			"sink": s.Name(),
			"bars": bars,
		})
		if err := s.Write(ctx, batches); err != nil {
			log.WithError(err).Warn("secondary sink failed")
			metrics.EmitMetric(m.log, sinkComponent, "secondary_failures", 1, "counter", logger.Fields{"sink": s.Name()})
			continue
		}
		log.Debug("chunk copied to secondary sink")
	}
	return nil
}

// Close closes every secondary sink. The primary is owned by the caller.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.secondaries {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SecondariesFromConfig builds the enabled secondary sinks.
func SecondariesFromConfig(ctx context.Context, cfg *config.Config) ([]Sink, error) {
	var sinks []Sink
	if cfg.Archive.Enabled {
		a, err := NewParquetArchive(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}
