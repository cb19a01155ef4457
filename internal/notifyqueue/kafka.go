// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig describes the topic that delivery gateways consume.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSender.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for cfg. Messages are partitioned by key so
// all notifications for one recipient stay in order.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sender requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sender requires a topic")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}, nil
}

// envelope is the JSON value written for each notification.
type envelope struct {
	ID        string            `json:"id"`
	Channel   Channel           `json:"type"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Message   string            `json:"message"`
	Priority  Priority          `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"createdAt"`
}

// KafkaSender hands notifications to external delivery gateways through a
// Kafka topic. A successful write counts as delivered.
type KafkaSender struct {
	w   MessageWriter
	now func() time.Time
}

var _ Sender = (*KafkaSender)(nil)

func NewKafkaSender(w MessageWriter) *KafkaSender {
	return &KafkaSender{w: w, now: time.Now}
}

func (s *KafkaSender) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(envelope{
		ID:        n.ID,
		Channel:   n.Channel,
		Recipient: n.Recipient,
		Subject:   n.Subject,
		Message:   n.Message,
		Priority:  n.Priority,
		Metadata:  n.Metadata,
		Attempt:   n.Attempts,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding notification %s: %w", n.ID, err)
	}

	msg := kafka.Message{
		Key:   []byte(n.Recipient),
		Value: value,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(n.Channel)},
			{Key: "priority", Value: []byte(n.Priority)},
			{Key: "notification-id", Value: []byte(n.ID)},
		},
		Time: s.now().UTC(),
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing notification %s to kafka: %w", n.ID, err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.w.Close()
}
