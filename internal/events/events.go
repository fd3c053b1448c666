package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
	DriverNone  = "none"
)

const TypeDepositRecorded = "deposit.recorded"

// DepositEvent is published after a deposit outcome is persisted. Amounts
// and addresses are strings so consumers never depend on go-ethereum types.
type DepositEvent struct {
	Type          string    `json:"type"`
	TxHash        string    `json:"transactionHash"`
	ListingID     string    `json:"listingId"`
	AmountUSD     string    `json:"amountUSD"`
	PayerAddress  string    `json:"payerAddress"`
	PayerEmail    string    `json:"payerEmail,omitempty"`
	EscrowAddress string    `json:"escrowAddress"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, ev DepositEvent) error
	Close() error
}

type Config struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	TLS          bool

	// Stdio fields.
	Writer io.Writer
}

func New(cfg Config) (Publisher, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg), nil
	case DriverNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, DepositEvent) error { return nil }
func (Nop) Close() error                                { return nil }

type kafkaPublisher struct {
	writer *kafka.Writer
}

func newKafkaPublisher(cfg Config) (Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.TLS {
		writer.Transport = &kafka.Transport{
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaPublisher{writer: writer}, nil
}

// Publish keys messages by tx hash so all events for one deposit land on
// the same partition.
func (p *kafkaPublisher) Publish(ctx context.Context, ev DepositEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TxHash),
		Value: payload,
		Time:  ev.OccurredAt,
	})
}

func (p *kafkaPublisher) Close() error {
	return p.writer.Close()
}

type stdioPublisher struct {
	w io.Writer
	m sync.Mutex
}

func newStdioPublisher(cfg Config) Publisher {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioPublisher{w: w}
}

func (p *stdioPublisher) Publish(_ context.Context, ev DepositEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.m.Lock()
	defer p.m.Unlock()
	if _, err := p.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

func (p *stdioPublisher) Close() error {
	return nil
}
