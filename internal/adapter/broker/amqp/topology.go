// Package amqp implements the Broker Gateway port against RabbitMQ over
// AMQP 0-9-1.
package amqp

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges, queue, and routing keys the gateway
// declares on every (re)connect.
type Topology struct {
	IngressExchange   string
	ResultExchange    string
	EgressExchange    string
	IngressQueueName  string
	IngressRoutingKey string
	ResultQueueName   string
	ResultRoutingKey  string
	PrefetchCount     int
}

// declare declares the topic/direct/topic exchange triad, the result
// queue and its binding, and sets channel QoS. It is run once per
// connection (re-run on every reconnect).
func declare(ch *amqp091.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.IngressExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.ResultExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.EgressExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(t.ResultQueueName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(t.ResultQueueName, t.ResultRoutingKey, t.ResultExchange, false, nil); err != nil {
		return err
	}
	if t.IngressQueueName != "" {
		if _, err := ch.QueueDeclare(t.IngressQueueName, true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(t.IngressQueueName, t.IngressRoutingKey, t.IngressExchange, false, nil); err != nil {
			return err
		}
	}
	prefetch := t.PrefetchCount
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	return ch.Confirm(false)
}
