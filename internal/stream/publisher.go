// Package stream mirrors ticks onto an internal NATS JetStream subject so
// other in-house services can consume the feed without holding a websocket.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/quantaxis/market-data-service/internal/constant"
)

const tickStreamMaxAge = 5 * time.Minute

type Publisher struct {
	js nats.JetStreamContext
}

func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// InitStream creates or updates the tick stream. Memory storage with a short
// retention window: this is a delivery bus, not durable quote storage.
func (p *Publisher) InitStream(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.MarketDataStreamName,
		Subjects:  []string{constant.MarketDataStreamSubjectAll},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    tickStreamMaxAge,
		Replicas:  1,
	}

	stream, err := p.js.StreamInfo(constant.MarketDataStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.MarketDataStreamName)
		_, err = p.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.MarketDataStreamName)
	_, err = p.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (p *Publisher) PublishTick(instrumentID string, payload []byte) error {
	_, err := p.js.Publish(constant.TickStreamSubject(instrumentID), payload)
	return err
}
