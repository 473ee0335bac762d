package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"go.uber.org/atomic"

	"firestige.xyz/tunsidecar/internal/config"
	"firestige.xyz/tunsidecar/internal/log"
)

// messageWriter is the part of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends records to a Kafka topic as JSON. Writes are
// asynchronous so a slow broker never stalls the drain; delivery errors
// are logged by the writer.
type KafkaPublisher struct {
	writer   messageWriter
	hostname string

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaPublisher creates a publisher for cfg.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	logger := log.GetLogger()
	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // same flow, same partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
		ErrorLogger:  kafka.LoggerFunc(logger.Errorf),
	}

	switch cfg.Compression {
	case "none", "":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	logger.WithField("brokers", cfg.Brokers).WithField("topic", cfg.Topic).Info("publishing diagnostics to kafka")
	return newKafkaPublisher(kafka.NewWriter(writerConfig)), nil
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	hostname, _ := os.Hostname()
	return &KafkaPublisher{writer: w, hostname: hostname}
}

type recordMessage struct {
	Host      string `json:"host"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Protocol  string `json:"protocol"`
	SrcIP     string `json:"src_ip"`
	SrcPort   uint16 `json:"src_port"`
	DstIP     string `json:"dst_ip"`
	DstPort   uint16 `json:"dst_port"`
	Target    uint32 `json:"target,omitempty"`
}

// Publish queues rec.
func (p *KafkaPublisher) Publish(ctx context.Context, rec Record) error {
	now := time.Now()
	value, err := json.Marshal(recordMessage{
		Host:      p.hostname,
		Timestamp: now.UnixMilli(),
		Kind:      rec.Kind.String(),
		Protocol:  rec.ProtoName(),
		SrcIP:     rec.Src.Addr().String(),
		SrcPort:   rec.Src.Port(),
		DstIP:     rec.Dst.Addr().String(),
		DstPort:   rec.Dst.Port(),
		Target:    rec.Target,
	})
	if err != nil {
		p.failed.Inc()
		return fmt.Errorf("serialize record failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s-%s", rec.Src, rec.Dst)),
		Value: value,
		Time:  now,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Inc()
		return fmt.Errorf("kafka write failed: %w", err)
	}
	p.published.Inc()
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	err := p.writer.Close()
	log.GetLogger().WithFields(map[string]interface{}{
		"total_published": p.published.Load(),
		"total_errors":    p.failed.Load(),
	}).Info("kafka publisher stopped")
	return err
}
