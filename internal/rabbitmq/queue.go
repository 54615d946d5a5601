package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQClient struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queuePrefix string

	mu       sync.Mutex
	declared map[string]bool
}

func NewRabbitMQClient(amqpURL, queuePrefix string, taskTypes []string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		err2 := conn.Close()
		if err2 != nil {
			slog.Error("error occurred while closing connection", "error", err2.Error())
		}

		return nil, err
	}

	client := &RabbitMQClient{
		conn:        conn,
		channel:     ch,
		queuePrefix: queuePrefix,
		declared:    map[string]bool{},
	}
	for _, taskType := range taskTypes {
		if err = client.checkQueueDeclaration(client.QueueName(taskType)); err != nil {
			slog.Error("Error while checking declarations of task queues", "error", err.Error())
			_ = client.Close()
			return nil, err
		}
	}

	return client, nil
}

// QueueName returns the notification queue of a task type.
func (c *RabbitMQClient) QueueName(taskType string) string {
	return c.queuePrefix + taskType
}

func (c *RabbitMQClient) Notify(ctx context.Context, taskType string, taskID int64) (err error) {
	queueName := c.QueueName(taskType)
	err = c.checkQueueDeclaration(queueName)
	if err != nil {
		return err
	}

	return c.channel.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType: "text/plain",
			Body:        []byte(strconv.FormatInt(taskID, 10)),
		})
}

// Subscribe consumes with auto-ack: a notification delivered to a busy worker is dropped and
// the task is found by polling instead.
func (c *RabbitMQClient) Subscribe(ctx context.Context, consumerName, taskType string, wake func(taskID int64)) error {
	queueName := c.QueueName(taskType)
	if err := c.checkQueueDeclaration(queueName); err != nil {
		return err
	}

	msgs, err := c.channel.ConsumeWithContext(
		ctx,
		queueName,    // queue
		consumerName, // consumer
		true,         // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			taskID, err := strconv.ParseInt(string(d.Body), 10, 64)
			if err != nil {
				slog.Warn("dropping malformed task notification", "queue", queueName, "body", string(d.Body))
				continue
			}
			wake(taskID)
		}
	}()

	return nil
}

func (c *RabbitMQClient) Close() error {
	err := c.channel.Close()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	err = c.conn.Close()
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (c *RabbitMQClient) IsHealthy() bool {
	if c.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := c.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		err = ch.Close()
		if err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

func (c *RabbitMQClient) checkQueueDeclaration(queueName string) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.declared[queueName] {
		return nil
	}

	_, err = c.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return err
	}

	c.declared[queueName] = true
	return nil
}
