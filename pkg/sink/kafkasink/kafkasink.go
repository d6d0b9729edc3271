// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kafkasink publishes fetched payloads to a kafka topic, keyed by
// "<permissionId>/<meterId>" so that one meter's data stays in one partition.
package kafkasink

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/sink"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

// Message is the JSON value written to kafka.
type Message struct {
	PermissionID   string                           `json:"permissionId"`
	ConnectionID   string                           `json:"connectionId"`
	DataNeedID     string                           `json:"dataNeedId"`
	Granularity    permission.Granularity           `json:"granularity"`
	DataSourceInfo permission.DataSourceInformation `json:"dataSourceInformation"`
	Payload        *source.Payload                  `json:"payload"`
}

type Sink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

var _ sink.Sink = (*Sink)(nil)

// NewProducerConfig returns the producer settings used for New.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1

	return cfg
}

// Dial connects a sync producer to brokers.
func Dial(brokers []string, topic, clientID string, log *zap.SugaredLogger) (*Sink, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return New(producer, topic, log), nil
}

func New(producer sarama.SyncProducer, topic string, log *zap.SugaredLogger) *Sink {
	return &Sink{producer: producer, topic: topic, log: log}
}

// Key returns the message key for a meter of a permission.
func Key(permissionID, meterID string) string {
	return permissionID + "/" + meterID
}

func (s *Sink) Publish(_ context.Context, pr permission.Permission, payload *source.Payload) error {
	value, err := json.Marshal(Message{
		PermissionID:   pr.PermissionID(),
		ConnectionID:   pr.ConnectionID(),
		DataNeedID:     pr.DataNeedID(),
		Granularity:    pr.Granularity(),
		DataSourceInfo: pr.DataSource(),
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("encode payload of permission %s: %w", pr.PermissionID(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(Key(pr.PermissionID(), payload.MeterID)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("permission-id"), Value: []byte(pr.PermissionID())},
			{Key: []byte("connection-id"), Value: []byte(pr.ConnectionID())},
			{Key: []byte("data-need-id"), Value: []byte(pr.DataNeedID())},
		},
	}

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish payload of permission %s to %s: %w", pr.PermissionID(), s.topic, err)
	}

	s.log.Debugw("Published payload",
		"permission_id", pr.PermissionID(),
		"meter_id", payload.MeterID,
		"partition", partition,
		"offset", offset)

	return nil
}

func (s *Sink) Close() error {
	return s.producer.Close()
}
