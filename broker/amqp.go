package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Producer = (*AMQPBroker)(nil)
var _ Consumer = (*AMQPBroker)(nil)

const (
	instanceEventExchange string = "instance_events"
	instanceEventKey             = "lifecycle"
	instanceEventQueue           = "instance_events_task"
)

// AMQPBroker carries lifecycle events via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a message broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupEventExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for instance events")
	}

	return broker, nil
}

func (a *AMQPBroker) setupEventExchange() error {
	return a.channel.ExchangeDeclare(
		instanceEventExchange, // name
		"direct",              // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishInstanceEvent emits a lifecycle event to the event exchange
func (a *AMQPBroker) PublishInstanceEvent(ev *InstanceEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		instanceEventExchange,
		instanceEventKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish instance event")
	}
	return nil
}

// InstanceEvents returns a channel of lifecycle events. Malformed messages
// are rejected without requeue; processed messages are acked.
func (a *AMQPBroker) InstanceEvents(ctx context.Context) (<-chan *InstanceEvent, error) {
	if _, err := a.channel.QueueDeclare(
		instanceEventQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		instanceEventQueue,
		instanceEventKey,
		instanceEventExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		instanceEventQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	evChan := make(chan *InstanceEvent)
	go a.forwardEvents(ctx, msgChan, evChan)
	return evChan, nil
}

func (a *AMQPBroker) forwardEvents(ctx context.Context, msgChan <-chan amqp.Delivery, evChan chan<- *InstanceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgChan:
			if !ok {
				return
			}
			var ev InstanceEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				a.logger.Error("Cannot decode instance event",
					zap.Error(err),
				)
				d.Nack(false, false)
				continue
			}
			select {
			case evChan <- &ev:
				d.Ack(false)
			case <-ctx.Done():
				// leave the message for redelivery after restart
				d.Nack(false, true)
				return
			}
		}
	}
}
