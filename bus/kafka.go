package bus

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second

	DefaultKafkaTopic    = "minichat-bus"
	DefaultKafkaMaxAge   = 5 * time.Minute
	defaultValueMaxBytes = 64 * 1024
)

type KafkaCfg struct {
	Brokers []string
	Topic   string
	// GroupID must be unique per instance: every instance consumes the whole topic.
	GroupID string
	// MaxAge drops events that sat in the topic longer than this, 0 keeps everything.
	MaxAge        time.Duration
	ValueMaxBytes int
}

// KafkaTransport publishes to one topic and consumes it with a per-instance consumer group.
type KafkaTransport struct {
	reader        IKafkaReader
	writer        IKafkaWriter
	maxAge        time.Duration
	valueMaxBytes int
}

func NewKafkaTransport(conf KafkaCfg) *KafkaTransport {
	if conf.Topic == "" {
		conf.Topic = DefaultKafkaTopic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     conf.Brokers,
		GroupID:     conf.GroupID,
		Topic:       conf.Topic,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  conf.Brokers,
		Topic:    conf.Topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	return newKafkaTransport(reader, writer, conf.MaxAge, conf.ValueMaxBytes)
}

func newKafkaTransport(reader IKafkaReader, writer IKafkaWriter, maxAge time.Duration, valueMaxBytes int) *KafkaTransport {
	if valueMaxBytes <= 0 {
		valueMaxBytes = defaultValueMaxBytes
	}
	return &KafkaTransport{reader: reader, writer: writer, maxAge: maxAge, valueMaxBytes: valueMaxBytes}
}

func (t *KafkaTransport) Publish(ctx context.Context, payload []byte) error {
	return t.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

// Subscribe runs the consume loop: fetch, handle, commit. Fetch and commit errors back off and retry
// until ctx is done.
func (t *KafkaTransport) Subscribe(ctx context.Context, handle func([]byte)) error {
	glog.Info("bus: kafka consume loop enter")
	defer glog.Info("bus: kafka consume loop exited")

	var sleep time.Duration
	for {
		glog.V(7).Info("bus: fetching kafka message ...")
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				glog.V(5).Info("bus: kafka fetch was cancelled")
				return ctx.Err()
			}
			glog.Errorf("bus: fetch from kafka err: %v", err)
			Backoff(&sleep)
			if !Sleep(ctx, sleep) {
				return ctx.Err()
			}
			continue
		}
		sleep = 0

		if !t.shouldDiscard(&msg) {
			handle(msg.Value)
		}

		for {
			err := t.reader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			glog.Errorf("bus: kafka commit offset %d err: %v", msg.Offset, err)
			Backoff(&sleep)
			if !Sleep(ctx, sleep) {
				return ctx.Err()
			}
		}
	}
}

func (t *KafkaTransport) shouldDiscard(msg *kafka.Message) bool {
	if len(msg.Value) > t.valueMaxBytes {
		glog.Errorf("bus: kafka value out of limit, offset %d, %d bytes", msg.Offset, len(msg.Value))
		return true
	}
	if t.maxAge > 0 && !msg.Time.IsZero() && time.Since(msg.Time) > t.maxAge {
		glog.Warningf("bus: ignore kafka message because too old, offset: %d, time: %s", msg.Offset, msg.Time)
		return true
	}
	return false
}

// Close closes the reader, which may take several seconds, then the writer.
func (t *KafkaTransport) Close() error {
	rerr := t.reader.Close()
	werr := t.writer.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
