package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	appconfig "optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/channel"
	"optionflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter streams every snapshot as one JSON message keyed by expiry.
type KafkaWriter struct {
	config  *appconfig.Config
	sub     *channel.Subscription
	writer  messageWriter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewKafkaWriter(cfg *appconfig.Config, sub *channel.Subscription) (*KafkaWriter, error) {
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &KafkaWriter{
		config: cfg,
		sub:    sub,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:    cfg.Storage.Kafka.Topic,
			Balancer: &kafka.Hash{},
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx, kw.cancel = context.WithCancel(ctx)
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	for {
		select {
		case <-kw.ctx.Done():
			return
		case snap, ok := <-kw.sub.C:
			if !ok {
				return
			}
			kw.write(snap)
		}
	}
}

func (kw *KafkaWriter) write(snap analytics.Snapshot) {
	// Cleared tables after an expiry switch carry no rows worth streaming.
	if len(snap.Rows) == 0 {
		return
	}
	msg, err := snapshotMessage(snap)
	if err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to marshal snapshot")
		return
	}
	if err := kw.writer.WriteMessages(kw.ctx, msg); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to write message")
		return
	}
	logger.IncrementSinkWrite(int64(len(msg.Value)))
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"expiry": snap.Expiry,
		"rows":   len(snap.Rows),
	}).Debug("snapshot written to kafka")
}

func snapshotMessage(snap analytics.Snapshot) (kafka.Message, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(snap.Expiry),
		Value: data,
		Time:  snap.FetchedAt,
		Headers: []kafka.Header{
			{Key: "snapshot_id", Value: []byte(uuid.New().String())},
		},
	}, nil
}

func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	if !kw.running {
		kw.mu.Unlock()
		return
	}
	kw.running = false
	cancel := kw.cancel
	kw.mu.Unlock()

	cancel()

	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	kw.wg.Wait()
	kw.writer.Close()
	kw.log.WithComponent("kafka_writer").Debug("kafka writer stopped")
}
