package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"manipwatch/internal/market"
)

// AlertRecorder 持久化告警记录。
type AlertRecorder interface {
	InsertAlert(ctx context.Context, alert market.Alert) error
}

// StoreSink 将告警写入数据库。
type StoreSink struct {
	store AlertRecorder
}

// NewStoreSink 包装一个 AlertRecorder。
func NewStoreSink(store AlertRecorder) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "postgres" }

func (s *StoreSink) Deliver(ctx context.Context, alert market.Alert) error {
	if err := s.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("persist alert %s: %w", alert.ID, err)
	}
	return nil
}

// LogSink 以结构化日志输出告警。
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink 构造日志告警器。
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, alert market.Alert) error {
	s.logger.Warn().
		Str("alert_id", alert.ID).
		Str("market", alert.Market).
		Str("pattern", string(alert.Pattern)).
		Float64("score", alert.Score).
		Str("risk", string(alert.Risk)).
		Interface("evidence", alert.Evidence).
		Msg(alert.Explanation)
	return nil
}

// KafkaOptions 描述 Kafka 输出配置。
type KafkaOptions struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaSink 将告警 JSON 发布到 Kafka，消息 key 为市场 ID。
type KafkaSink struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaSink 构造 Kafka 告警器。
func NewKafkaSink(opts KafkaOptions, logger zerolog.Logger) *KafkaSink {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.Topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: opts.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, alert market.Alert) error {
	msg, err := alertMessage(alert)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert to %s: %w", s.writer.Topic, err)
	}
	s.logger.Debug().Str("alert_id", alert.ID).Str("topic", s.writer.Topic).Msg("alert published")
	return nil
}

// Close 关闭 writer。
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func alertMessage(alert market.Alert) (kafka.Message, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal alert: %w", err)
	}
	return kafka.Message{
		Key:   []byte(alert.Market),
		Value: data,
		Time:  alert.Time,
		Headers: []kafka.Header{
			{Key: "pattern_type", Value: []byte(alert.Pattern)},
			{Key: "risk_level", Value: []byte(alert.Risk)},
		},
	}, nil
}

var (
	_ Sink = (*StoreSink)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*KafkaSink)(nil)
)
