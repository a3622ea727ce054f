package amqp

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/moderation-orchestrator/internal/domain"
)

// Gateway is a RabbitMQ-backed implementation of domain.BrokerGateway. A
// single Gateway owns one connection and one channel, rebuilt on every
// reconnect; publish and ack both happen from the goroutine that calls
// Consume, matching the single-threaded-per-channel AMQP contract.
type Gateway struct {
	url            string
	topology       Topology
	reconnectDelay time.Duration
	serviceName    string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	returnedMu sync.Mutex
	returned   bool
	returnMsg  string
}

// New constructs a Gateway. Dial happens lazily on the first Publish or
// Consume call. Consume retries internally on connection loss; Publish
// returns the error and redials on its next call.
func New(url string, topology Topology, reconnectDelay time.Duration, serviceName string) *Gateway {
	return &Gateway{
		url:            url,
		topology:       topology,
		reconnectDelay: reconnectDelay,
		serviceName:    serviceName,
	}
}

// connect dials and declares topology if no live channel is held, or
// reuses the existing one.
func (g *Gateway) connect() (*amqp091.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.channel != nil && !g.channel.IsClosed() {
		return g.channel, nil
	}

	conn, err := amqp091.Dial(g.url)
	if err != nil {
		return nil, fmt.Errorf("op=broker.dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=broker.channel: %w", err)
	}
	if err := declare(ch, g.topology); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("op=broker.declare: %w", err)
	}
	ch.NotifyReturn(g.returnNotifications())

	g.conn = conn
	g.channel = ch
	return ch, nil
}

func (g *Gateway) returnNotifications() chan amqp091.Return {
	returns := make(chan amqp091.Return, 4)
	go func() {
		for r := range returns {
			g.returnedMu.Lock()
			g.returned = true
			g.returnMsg = fmt.Sprintf("%d:%s; correlation_id=%s", r.ReplyCode, r.ReplyText, r.CorrelationId)
			g.returnedMu.Unlock()
			slog.Error("broker publish was returned (unroutable)", slog.String("detail", g.returnMsg))
		}
	}()
	return returns
}

// Close tears down the connection, if any.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	g.channel = nil
	return err
}

// Publish sends msg with publisher confirms and a mandatory flag,
// returning domain.ErrUnroutablePublish if the broker returned it.
func (g *Gateway) Publish(ctx domain.Context, exchange, routingKey string, msg domain.Message) error {
	ch, err := g.connect()
	if err != nil {
		return fmt.Errorf("op=broker.publish: %w", err)
	}

	g.returnedMu.Lock()
	g.returned = false
	g.returnMsg = ""
	g.returnedMu.Unlock()

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, true, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Headers:       headers,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("op=broker.publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("op=broker.publish: %w", err)
	}
	if !acked {
		return fmt.Errorf("op=broker.publish: %w: broker nacked the publish", domain.ErrUnroutablePublish)
	}

	g.returnedMu.Lock()
	returned, reason := g.returned, g.returnMsg
	g.returnedMu.Unlock()
	if returned {
		return fmt.Errorf("op=broker.publish: %w: %s", domain.ErrUnroutablePublish, reason)
	}
	return nil
}

// Consume ranges over deliveries on queue until ctx is canceled,
// normalizing correlation id and x-service-name/x-moderation-type
// headers before invoking handler; a handler error wrapping
// domain.ErrMalformedDelivery is logged and dropped (acked), any other
// handler error is nacked with requeue. Reconnects with backoff on
// channel/connection loss.
func (g *Gateway) Consume(ctx domain.Context, queue string, handler func(domain.Context, domain.Delivery) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ch, err := g.connect()
		if err != nil {
			slog.Error("broker consume: connect failed, retrying", slog.Any("error", err))
			if !sleepOrDone(ctx, g.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			slog.Error("broker consume: basic.consume failed, retrying", slog.Any("error", err))
			if !sleepOrDone(ctx, g.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}

		closed := ch.NotifyClose(make(chan *amqp091.Error, 1))

		if err := g.consumeLoop(ctx, deliveries, closed, handler); err != nil {
			if isTerminalCloseError(err) {
				return err
			}
			slog.Warn("broker consume: connection lost, retrying", slog.Any("error", err))
			if !sleepOrDone(ctx, g.reconnectDelay) {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

func (g *Gateway) consumeLoop(ctx domain.Context, deliveries <-chan amqp091.Delivery, closed <-chan *amqp091.Error, handler func(domain.Context, domain.Delivery) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("broker channel closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("broker delivery channel closed")
			}
			g.handleDelivery(ctx, d, handler)
		}
	}
}

func (g *Gateway) handleDelivery(ctx domain.Context, d amqp091.Delivery, handler func(domain.Context, domain.Delivery) error) {
	cid := normalizeHeaderValue(d.CorrelationId)
	serviceName := normalizeHeaderValue(headerString(d.Headers, "x-service-name"))
	moderationType := normalizeHeaderValue(headerString(d.Headers, "x-moderation-type"))

	delivery := domain.Delivery{
		CorrelationID:  cid,
		Body:           d.Body,
		ServiceName:    serviceName,
		ModerationType: moderationType,
	}

	if err := handler(ctx, delivery); err != nil {
		if errors.Is(err, domain.ErrMalformedDelivery) {
			slog.Error("dropping malformed delivery", slog.String("correlation_id", cid), slog.Any("error", err))
			_ = d.Ack(false)
			return
		}
		slog.Warn("nacking delivery for retry", slog.String("correlation_id", cid), slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func headerString(headers amqp091.Table, key string) string {
	v, ok := headers[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func normalizeHeaderValue(s string) string {
	return strings.TrimSpace(s)
}

func isTerminalCloseError(err error) bool {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.ConnectionForced
	}
	return false
}

func sleepOrDone(ctx domain.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

var _ domain.BrokerGateway = (*Gateway)(nil)
