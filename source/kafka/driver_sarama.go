// Package kafka is the sarama-backed source. Partitions are named
// "topic/N" and cursors are decimal offsets of the last record read.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"connector/internal/fault"
	"connector/internal/logging"
	"connector/record"
	"connector/source"
)

type Config struct {
	Brokers   []string      `yaml:"brokers"`
	Topics    []string      `yaml:"topics"`
	ClientID  string        `yaml:"client_id"`
	StartFrom string        `yaml:"start_from"` // oldest|newest (default oldest)
	Version   string        `yaml:"version"`
	FetchWait time.Duration `yaml:"fetch_wait"`
	TLSEn     bool          `yaml:"tls_enabled"`
	SASLUser  string        `yaml:"sasl_user"`
	SASLPass  string        `yaml:"sasl_pass"`
}

func (c *Config) applyDefaults() {
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 250 * time.Millisecond
	}
	if c.ClientID == "" {
		c.ClientID = "connector"
	}
}

// claim is an open partition consumer and the next offset it will return.
type claim struct {
	pc   sarama.PartitionConsumer
	next int64
}

type SaramaDriver struct {
	cfg      Config
	client   sarama.Client
	consumer sarama.Consumer

	mu     sync.Mutex
	claims map[string]*claim
}

// NewSaramaDriver connects to the brokers in cfg.
func NewSaramaDriver(cfg Config) (*SaramaDriver, error) {
	cfg.applyDefaults()
	sc, err := saramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fault.New(fault.SourceTransient, "kafka connect", err)
	}
	cons, err := sarama.NewConsumerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, fault.New(fault.SourceTransient, "kafka consumer", err)
	}
	d := NewFromConsumer(cfg, cons)
	d.client = cl
	return d, nil
}

// NewFromConsumer wraps an existing consumer; used with sarama/mocks.
func NewFromConsumer(cfg Config, cons sarama.Consumer) *SaramaDriver {
	cfg.applyDefaults()
	return &SaramaDriver{cfg: cfg, consumer: cons, claims: make(map[string]*claim)}
}

func saramaConfig(cfg Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if cfg.Version != "" {
		ver, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.ClientID = cfg.ClientID
	sc.Consumer.Return.Errors = true
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	return sc, nil
}

func (d *SaramaDriver) Compare(a, b record.Cursor) int { return record.CompareInt(a, b) }

func (d *SaramaDriver) Partitions(ctx context.Context) ([]string, error) {
	var out []string
	for _, topic := range d.cfg.Topics {
		parts, err := d.consumer.Partitions(topic)
		if err != nil {
			return nil, classify("kafka partitions", err)
		}
		for _, p := range parts {
			out = append(out, PartitionID(topic, p))
		}
	}
	return out, nil
}

func (d *SaramaDriver) Poll(ctx context.Context, partition string, since record.Cursor, limit int) iter.Seq2[record.Item, error] {
	return func(yield func(record.Item, error) bool) {
		cl, err := d.claim(partition, since)
		if err != nil {
			yield(record.Item{}, err)
			return
		}
		wait := time.NewTimer(d.cfg.FetchWait)
		defer wait.Stop()

		for n := 0; n < limit; n++ {
			select {
			case <-ctx.Done():
				return
			case <-wait.C:
				return
			case cerr, ok := <-cl.pc.Errors():
				if !ok {
					return
				}
				d.release(partition)
				yield(record.Item{}, classify("kafka consume", cerr.Err))
				return
			case msg, ok := <-cl.pc.Messages():
				if !ok {
					d.release(partition)
					return
				}
				cl.next = msg.Offset + 1
				if !yield(toItem(partition, msg), nil) {
					return
				}
			}
		}
	}
}

// claim returns the consumer positioned right after since, reopening it
// when the caller rewound (for example after a restart from a checkpoint).
func (d *SaramaDriver) claim(partition string, since record.Cursor) (*claim, error) {
	topic, part, err := ParsePartitionID(partition)
	if err != nil {
		return nil, fault.New(fault.SourceFatal, "kafka poll", err)
	}
	start := sarama.OffsetOldest
	if d.cfg.StartFrom == "newest" {
		start = sarama.OffsetNewest
	}
	if since != record.Initial {
		off, err := strconv.ParseInt(string(since), 10, 64)
		if err != nil {
			return nil, fault.New(fault.SourceFatal, "kafka poll", fmt.Errorf("bad cursor %q: %w", since, err))
		}
		start = off + 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cl, ok := d.claims[partition]; ok {
		if since == record.Initial || cl.next == start {
			return cl, nil
		}
		logging.L().Info("kafka source: rewinding partition consumer", "partition", partition, "from", cl.next, "to", start)
		_ = cl.pc.Close()
		delete(d.claims, partition)
	}
	pc, err := d.consumer.ConsumePartition(topic, part, start)
	if err != nil {
		return nil, classify("kafka consume partition", err)
	}
	cl := &claim{pc: pc, next: start}
	d.claims[partition] = cl
	return cl, nil
}

func (d *SaramaDriver) release(partition string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cl, ok := d.claims[partition]; ok {
		_ = cl.pc.Close()
		delete(d.claims, partition)
	}
}

func (d *SaramaDriver) Close() error {
	d.mu.Lock()
	for p, cl := range d.claims {
		_ = cl.pc.Close()
		delete(d.claims, p)
	}
	d.mu.Unlock()
	err := d.consumer.Close()
	if d.client != nil {
		if cerr := d.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func toItem(partition string, msg *sarama.ConsumerMessage) record.Item {
	return record.Item{
		Record: record.Record{
			Partition: partition,
			Key:       msg.Key,
			Payload:   msg.Value,
			Headers:   toHeaderMap(msg.Headers),
			Timestamp: msg.Timestamp,
		},
		Cursor: record.IntCursor(msg.Offset),
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for _, h := range src {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, sarama.ErrOffsetOutOfRange),
		errors.Is(err, sarama.ErrUnknownTopicOrPartition),
		errors.Is(err, sarama.ErrTopicAuthorizationFailed),
		errors.Is(err, sarama.ErrSASLAuthenticationFailed):
		return fault.New(fault.SourceFatal, op, err)
	default:
		return fault.New(fault.SourceTransient, op, err)
	}
}

// PartitionID names a topic partition.
func PartitionID(topic string, partition int32) string {
	return topic + "/" + strconv.FormatInt(int64(partition), 10)
}

// ParsePartitionID splits "topic/N".
func ParsePartitionID(id string) (string, int32, error) {
	i := strings.LastIndexByte(id, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("partition %q: want topic/N", id)
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("partition %q: %w", id, err)
	}
	return id[:i], int32(n), nil
}

func init() {
	source.Register("kafka", func(_ context.Context, decode source.Decode) (source.Adapter, error) {
		var cfg Config
		if err := decode(&cfg); err != nil {
			return nil, fmt.Errorf("kafka source config: %w", err)
		}
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("kafka source: brokers required")
		}
		return NewSaramaDriver(cfg)
	})
}
