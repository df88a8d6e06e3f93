package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"connector/internal/fault"
	"connector/record"
	"connector/sink"
)

type Config struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	Acks     int16    `yaml:"required_acks"` // 0,1,-1 (default -1)
	Version  string   `yaml:"version"`
	ClientID string   `yaml:"client_id"`
}

type driver struct {
	cfg Config
	p   sarama.SyncProducer
}

// New wraps a sync producer; used directly with sarama/mocks.
func New(cfg Config, p sarama.SyncProducer) sink.Adapter {
	return &driver{cfg: cfg, p: p}
}

func dial(cfg Config) (sink.Adapter, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.Acks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
	}
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Idempotent = false
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = v
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fault.New(fault.SinkTransient, "kafka producer", err)
	}
	return New(cfg, p), nil
}

// Deliver sends the records as one produce call and maps each failed
// message back to its position.
func (d *driver) Deliver(ctx context.Context, partition string, records []record.Transformed) ([]sink.Outcome, error) {
	msgs := make([]*sarama.ProducerMessage, len(records))
	for i, r := range records {
		msgs[i] = &sarama.ProducerMessage{
			Topic:    d.cfg.Topic,
			Key:      sarama.ByteEncoder(r.Key),
			Value:    sarama.ByteEncoder(r.Value),
			Headers:  toRecordHeaders(r.Headers),
			Metadata: i,
		}
	}
	err := d.p.SendMessages(msgs)
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, fault.Timeout(fault.SinkTransient, "kafka produce", ctx.Err())
	}

	out := make([]sink.Outcome, len(records))
	var perMsg sarama.ProducerErrors
	if !errors.As(err, &perMsg) {
		o := outcome(err)
		for i := range out {
			out[i] = o
		}
		return out, nil
	}
	for i := range out {
		out[i] = sink.Succeeded()
	}
	for _, pe := range perMsg {
		if i, ok := pe.Msg.Metadata.(int); ok && i >= 0 && i < len(out) {
			out[i] = outcome(pe.Err)
		}
	}
	return out, nil
}

func outcome(err error) sink.Outcome {
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrInvalidMessageSize),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return sink.Fatal(err)
	default:
		return sink.Retryable(err)
	}
}

func toRecordHeaders(h map[string]string) []sarama.RecordHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func (d *driver) Close() error {
	return d.p.Close()
}

func init() {
	sink.Register("kafka", func(_ context.Context, decode sink.Decode) (sink.Adapter, error) {
		var cfg Config
		if err := decode(&cfg); err != nil {
			return nil, fmt.Errorf("kafka-sink: %w", err)
		}
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, fmt.Errorf("kafka-sink: brokers and topic required")
		}
		return dial(cfg)
	})
}
