package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"candleflow/config"
	"candleflow/logger"
	"candleflow/models"
)

const kafkaComponent = "kafka_publisher"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// CandleMessage is the JSON value published for each bar.
type CandleMessage struct {
	Exchange   string    `json:"exchange"`
	Symbol     string    `json:"symbol"`
	BaseAsset  string    `json:"base_asset"`
	QuoteAsset string    `json:"quote_asset"`
	Timeframe  string    `json:"timeframe"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

// KafkaPublisher publishes every bar of a chunk as one message keyed by the symbol's ticker.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	p := newKafkaPublisher(&kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}, cfg.Topic)
	p.log.WithComponent(kafkaComponent).WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: logger.GetLogger()}
}

func (p *KafkaPublisher) Name() string { return kafkaComponent }

func (p *KafkaPublisher) Write(ctx context.Context, batches [][]models.Candlestick) error {
	msgs := make([]kafka.Message, 0, models.CountBars(batches))
	for _, batch := range batches {
		for _, c := range batch {
			value, err := json.Marshal(newCandleMessage(c))
			if err != nil {
				return fmt.Errorf("failed to marshal bar: %w", err)
			}
			msgs = append(msgs, kafka.Message{
				Key:   []byte(c.Symbol.ShortName()),
				Value: value,
			})
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", p.topic, err)
	}
	p.log.WithComponent(kafkaComponent).WithFields(logger.Fields{
		"topic":    p.topic,
		"messages": len(msgs),
	}).Debug("chunk published to kafka")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func newCandleMessage(c models.Candlestick) CandleMessage {
	return CandleMessage{
		Exchange:   c.Symbol.Exchange().String(),
		Symbol:     c.Symbol.ShortName(),
		BaseAsset:  c.Symbol.BaseAsset(),
		QuoteAsset: c.Symbol.QuoteAsset(),
		Timeframe:  c.Timeframe.String(),
		OpenTime:   c.OpenTime.UTC(),
		CloseTime:  c.CloseTime.UTC(),
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Close:      c.Close,
		Volume:     c.Volume,
	}
}
