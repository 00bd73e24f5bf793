// Package broker implements the topology operations an operator tool
// performs against the job bus: declaring the realm exchange and its dead
// letter exchange, declaring/binding/unbinding queues, purging and
// deleting them, and draining the dead-letter queue. These are free
// functions over an *amqp091.Channel, mirroring the free-function style of
// the original initialize.py rather than a stateful client object — the
// sink and publisher own their own connections and only borrow a channel
// here when an operator tool asks for topology changes.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/naojsoft/datasink/internal/config"
)

const (
	// DLXName is the fanout exchange that collects rejected, expired, and
	// overflowed messages.
	DLXName = "dlx"

	defaultTopic = "general"
)

// DeclareExchange declares the realm exchange (topic-routed), the DLX
// (fanout), and binds the configured backlog queue to the DLX.
func DeclareExchange(ch *amqp.Channel, realm string, durable bool, backlogQueue string) error {
	if err := ch.ExchangeDeclare(realm, "topic", durable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare realm exchange %q: %w", realm, err)
	}
	if err := ch.ExchangeDeclare(DLXName, "fanout", durable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(backlogQueue, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare backlog queue %q: %w", backlogQueue, err)
	}
	if err := ch.QueueBind(backlogQueue, "", DLXName, false, nil); err != nil {
		return fmt.Errorf("broker: bind backlog queue to dlx: %w", err)
	}
	return nil
}

// SetupQueue declares queueName with the arguments spec.md §6 mandates
// (x-priority, x-overflow=drop-head, x-dead-letter-exchange=dlx, and
// optionally x-max-length / x-message-ttl) and, if bind is true, binds it
// to the realm exchange with routing key opts.Topic (default "general").
// If bind is false, the queue is unbound instead.
func SetupQueue(ch *amqp.Channel, realm, queueName string, opts config.QueueOptions, defaultPriority int, bind bool) error {
	priority := opts.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	args := amqp.Table{
		"x-priority":             priority,
		"x-overflow":             "drop-head",
		"x-dead-letter-exchange": DLXName,
	}
	if opts.HasQueueLength() {
		args["x-max-length"] = opts.QueueLength
	}
	if opts.HasTTL() {
		args["x-message-ttl"] = opts.TTLSec * 1000
	}

	durable := opts.Persist
	autoDelete := opts.Transient

	if _, err := ch.QueueDeclare(queueName, durable, autoDelete, false, false, args); err != nil {
		return fmt.Errorf("broker: declare queue %q: %w", queueName, err)
	}

	topic := opts.Topic
	if topic == "" {
		topic = defaultTopic
	}

	if bind {
		if err := ch.QueueBind(queueName, topic, realm, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %q to %q: %w", queueName, realm, err)
		}
		return nil
	}

	if err := ch.QueueUnbind(queueName, topic, realm, nil); err != nil {
		return fmt.Errorf("broker: unbind queue %q from %q: %w", queueName, realm, err)
	}
	return nil
}

// Purge removes all ready messages from queueName without deleting it.
func Purge(ch *amqp.Channel, queueName string) error {
	if _, err := ch.QueuePurge(queueName, false); err != nil {
		return fmt.Errorf("broker: purge queue %q: %w", queueName, err)
	}
	return nil
}

// Delete purges then deletes queueName. ifUnused/ifEmpty are passed through
// to the broker; spec.md §4.4 defaults them to (false, true).
func Delete(ch *amqp.Channel, queueName string, ifUnused, ifEmpty bool) error {
	if _, err := ch.QueuePurge(queueName, false); err != nil {
		return fmt.Errorf("broker: purge before delete %q: %w", queueName, err)
	}
	if _, err := ch.QueueDelete(queueName, ifUnused, ifEmpty, false); err != nil {
		return fmt.Errorf("broker: delete queue %q: %w", queueName, err)
	}
	return nil
}

// DLXMessage is one message observed on the backlog queue.
type DLXMessage struct {
	Body      []byte
	Headers   amqp.Table
	RoutingKey string
}

// ConsumeDLX consumes backlogQueue and invokes callback for each message,
// ACKing it immediately after the callback returns. It blocks until the
// delivery channel closes (e.g. the channel or connection is closed by the
// caller) or ctx-like cancellation is performed by closing done.
func ConsumeDLX(ch *amqp.Channel, backlogQueue string, done <-chan struct{}, callback func(DLXMessage)) error {
	deliveries, err := ch.Consume(backlogQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume backlog queue %q: %w", backlogQueue, err)
	}

	for {
		select {
		case <-done:
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			callback(DLXMessage{Body: d.Body, Headers: d.Headers, RoutingKey: d.RoutingKey})
			_ = d.Ack(false)
		}
	}
}
