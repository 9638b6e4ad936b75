package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"live-recorder/config"
	"live-recorder/constant"
	"live-recorder/dto"
	"live-recorder/entities"
)

const (
	RoutingKeyClipAdded     = "recorder.clip.added"
	RoutingKeyClipsEvicted  = "recorder.clips.evicted"
	RoutingKeyStatusChanged = "recorder.status.changed"
)

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends recorder events as JSON to the events exchange. It implements
// the recorder's presenter callbacks, so it can sit next to any other presenter.
type Publisher struct {
	mu       sync.Mutex
	ch       channelPublisher
	exchange string
	timeout  time.Duration
	now      func() time.Time
}

func NewPublisher(ctx context.Context, conn *amqp.Connection, cfg *config.RabbitMQ) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.Kind, true, false, false, false, nil); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("exchange", cfg.ExchangeName).Msg("failed to declare exchange")
		_ = ch.Close()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = ch.Close()
	}()
	return newPublisher(ch, cfg.ExchangeName), nil
}

func newPublisher(ch channelPublisher, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, timeout: 5 * time.Second, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, event dto.ClipEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, event dto.ClipEvent) {
	event.OccurredAt = p.now()
	if err := p.Publish(ctx, routingKey, event); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("routing_key", routingKey).Msg("failed to publish recorder event")
	}
}

func (p *Publisher) OnClipAdded(ctx context.Context, clip *entities.Record) {
	resp := dto.NewClipResponse(clip)
	p.publish(ctx, RoutingKeyClipAdded, dto.ClipEvent{Type: constant.EventClipAdded, Clip: &resp})
}

func (p *Publisher) OnClipsEvicted(ctx context.Context, keys []entities.Key) {
	p.publish(ctx, RoutingKeyClipsEvicted, dto.ClipEvent{Type: constant.EventClipsEvicted, EvictedKeys: keys})
}

func (p *Publisher) OnStatusChanged(ctx context.Context, state constant.RecordingState, label string) {
	p.publish(ctx, RoutingKeyStatusChanged, dto.ClipEvent{Type: constant.EventStatusChanged, State: state, Label: label})
}
