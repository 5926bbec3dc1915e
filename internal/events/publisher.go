// Copyright (C) 2025 CardinalHQ, Inc
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

// Package events publishes resolution events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/cardinalhq/skinrunner/internal/scheduler"
)

const DefaultTopic = "skinrunner.resolved"

type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that keys messages onto partitions by hash.
func NewKafkaWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}, nil
}

// Event is the JSON body of a published message.
type Event struct {
	Fingerprint      string    `json:"fingerprint"`
	FaceFingerprint  string    `json:"faceFingerprint"`
	HeadFingerprint  string    `json:"headFingerprint"`
	SkinURL          string    `json:"skinUrl"`
	TextureValue     string    `json:"textureValue"`
	TextureSignature string    `json:"textureSignature"`
	Account          string    `json:"account"`
	ResolvedAt       time.Time `json:"resolvedAt"`
}

func NewEvent(res scheduler.Resolution, at time.Time) Event {
	return Event{
		Fingerprint:      res.Fingerprint.String(),
		FaceFingerprint:  res.FaceFingerprint.String(),
		HeadFingerprint:  res.HeadFingerprint.String(),
		SkinURL:          res.Texture.URL,
		TextureValue:     res.Texture.Value,
		TextureSignature: res.Texture.Signature,
		Account:          res.Account.String(),
		ResolvedAt:       at.UTC(),
	}
}

// Publisher is a scheduler.ResolutionListener.
type Publisher struct {
	w   Writer
	now func() time.Time
	ll  *slog.Logger
}

var _ scheduler.ResolutionListener = (*Publisher)(nil)

type Option func(*Publisher)

func WithLogger(ll *slog.Logger) Option {
	return func(p *Publisher) { p.ll = ll }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(w Writer, opts ...Option) *Publisher {
	p := &Publisher{w: w, now: time.Now, ll: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.ll = p.ll.With(slog.String("component", "events"))
	return p
}

func (p *Publisher) OnResolved(ctx context.Context, res scheduler.Resolution) error {
	ev := NewEvent(res, p.now())
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Fingerprint),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", res.Fingerprint.Short(), err)
	}
	p.ll.Debug("Published resolution", slog.String("fingerprint", res.Fingerprint.Short()))
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}
