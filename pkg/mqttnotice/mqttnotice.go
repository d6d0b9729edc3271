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

// Package mqttnotice turns status notices published by permission
// administrators on MQTT into lifecycle events.
//
// Notices are expected on "<prefix>/<permissionId>/status" with a JSON body
// like {"status": "REVOKED", "reason": "..."}.
package mqttnotice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/event"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/outbox"
	"github.com/united-manufacturing-hub/energy-permissions/pkg/permission"
)

// ErrIgnored marks notices that were dropped on purpose.
var ErrIgnored = errors.New("notice ignored")

// Accepted lists the statuses a notice may report.
var Accepted = []permission.Status{
	permission.StatusAccepted,
	permission.StatusRejected,
	permission.StatusRevoked,
	permission.StatusExternallyTerminated,
}

// Notice is the message body.
type Notice struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// DedupWindow is how long a delivered notice is remembered to drop
	// redeliveries.
	DedupWindow time.Duration
}

type Listener struct {
	cfg       Config
	repo      permission.Repository
	committer outbox.Committer
	seen      *cache.Cache
	log       *zap.SugaredLogger

	ctx    context.Context //nolint:containedctx // handlers of the paho client have no context
	cancel context.CancelFunc
	client MQTT.Client
}

func New(cfg Config, repo permission.Repository, committer outbox.Committer, log *zap.SugaredLogger) *Listener {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")

	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		cfg:       cfg,
		repo:      repo,
		committer: committer,
		seen:      cache.New(cfg.DedupWindow, 2*cfg.DedupWindow),
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Topic is the subscription filter.
func (l *Listener) Topic() string {
	return l.cfg.TopicPrefix + "/+/status"
}

// Connect connects to the broker and subscribes with QoS 1. The subscription
// is renewed on every reconnect.
func (l *Listener) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(l.cfg.Broker)
	opts.SetClientID(l.cfg.ClientID)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
	}
	if l.cfg.Password != "" {
		opts.SetPassword(l.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)

	l.client = MQTT.NewClient(opts)
	if token := l.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", l.cfg.Broker, token.Error())
	}

	return nil
}

func (l *Listener) onConnect(c MQTT.Client) {
	opts := c.OptionsReader()
	l.log.Infof("Connected to MQTT broker (%s)", opts.ClientID())

	if token := c.Subscribe(l.Topic(), 1, l.onMessage); token.Wait() && token.Error() != nil {
		l.log.Errorw("Failed to subscribe", "topic", l.Topic(), "error", token.Error())
		return
	}

	l.log.Infof("MQTT subscribed (%s)", l.Topic())
}

func (l *Listener) onConnectionLost(c MQTT.Client, err error) {
	opts := c.OptionsReader()
	l.log.Warnf("Connection lost, reconnecting (%v) (%s)", err, opts.ClientID())
}

func (l *Listener) onMessage(_ MQTT.Client, msg MQTT.Message) {
	if err := l.Handle(l.ctx, msg.Topic(), msg.Payload()); err != nil && !errors.Is(err, ErrIgnored) {
		l.log.Warnw("Failed to process status notice", "topic", msg.Topic(), "error", err)
	}
}

// Connected is a readiness check.
func (l *Listener) Connected() error {
	if l.client != nil && l.client.IsConnected() {
		return nil
	}

	return fmt.Errorf("not connected")
}

// Handle commits the status event a notice describes. Redeliveries within
// the dedup window, notices for unknown permissions and notices whose status
// is not reachable from the current one are ignored.
func (l *Listener) Handle(ctx context.Context, topic string, payload []byte) error {
	permissionID, err := l.permissionID(topic)
	if err != nil {
		return err
	}

	var notice Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return fmt.Errorf("decode notice on %s: %w", topic, err)
	}

	status, err := permission.ParseStatus(notice.Status)
	if err != nil {
		return err
	}
	if !accepted(status) {
		return fmt.Errorf("%w: status %s cannot be reported by notice", ErrIgnored, status)
	}

	key := hash(topic, payload)
	if err := l.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		l.log.Debugw("Dropping redelivered notice", "permission_id", permissionID, "status", status)
		return fmt.Errorf("%w: duplicate notice", ErrIgnored)
	}

	pr, err := l.repo.GetByPermissionID(ctx, permissionID)
	if err != nil {
		l.seen.Delete(key)
		if errors.Is(err, permission.ErrNotFound) {
			l.log.Infow("Notice for unknown permission", "permission_id", permissionID)
			return fmt.Errorf("%w: %w", ErrIgnored, err)
		}
		return err
	}

	if !permission.CanTransition(pr.Status(), status) {
		l.seen.Delete(key)
		l.log.Infow("Notice does not apply to permission", "permission_id", permissionID, "current", pr.Status(), "status", status)
		return fmt.Errorf("%w: %s cannot move to %s", ErrIgnored, pr.Status(), status)
	}

	ev, err := event.ForStatus(status, permissionID, notice.Reason)
	if err != nil {
		return err
	}

	if err := l.committer.Commit(ctx, ev); err != nil {
		l.seen.Delete(key)
		return err
	}

	l.log.Infow("Applied status notice", "permission_id", permissionID, "status", status)

	return nil
}

func (l *Listener) permissionID(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, l.cfg.TopicPrefix+"/")
	if !ok {
		return "", fmt.Errorf("%w: topic %s outside %s", ErrIgnored, topic, l.cfg.TopicPrefix)
	}

	id, ok := strings.CutSuffix(rest, "/status")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: unexpected topic %s", ErrIgnored, topic)
	}

	return id, nil
}

// Close unsubscribes and disconnects.
func (l *Listener) Close() {
	l.cancel()

	if l.client == nil || !l.client.IsConnected() {
		return
	}

	l.client.Unsubscribe(l.Topic()).WaitTimeout(time.Second)
	l.client.Disconnect(250)
}

func accepted(s permission.Status) bool {
	for _, a := range Accepted {
		if a == s {
			return true
		}
	}

	return false
}

func hash(topic string, payload []byte) string {
	h := xxh3.New()
	_, _ = h.WriteString(topic)
	_, _ = h.Write(payload)

	return strconv.FormatUint(h.Sum64(), 10)
}
