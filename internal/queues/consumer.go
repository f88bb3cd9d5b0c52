// Package queues consumes location reports from an AMQP queue, so phones can
// submit through a broker instead of (or in addition to) the HTTP API.
package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"bus-tracker/internal/fusion"
)

const (
	reportExchange = "bus_reports"
	reportQueue    = "bus_tracker_reports"
)

type ReportConsumer struct {
	conn   *amqp.Connection
	engine *fusion.Engine
	log    *slog.Logger
}

func NewReportConsumer(url string, engine *fusion.Engine, log *slog.Logger) (*ReportConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ReportConsumer{conn: conn, engine: engine, log: log}, nil
}

func (c *ReportConsumer) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Start declares the exchange and queue, binds them and consumes until the
// context is cancelled. Messages that fail to decode are dropped; everything
// else is acked after processing, since a rejected report is still a
// fully handled one.
func (c *ReportConsumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	if err := ch.ExchangeDeclare(
		reportExchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	queue, err := ch.QueueDeclare(
		reportQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, "", reportExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	msgs, err := ch.Consume(
		queue.Name,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.log.Info("report consumer started", "queue", queue.Name, "exchange", reportExchange)

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.log.Warn("report consumer channel closed")
					return
				}
				if err := c.handle(ctx, msg); err != nil {
					c.log.Error("report message dropped", "error", err)
					_ = msg.Nack(false, false)
					continue
				}
				_ = msg.Ack(false)
			}
		}
	}()

	return nil
}

func (c *ReportConsumer) handle(ctx context.Context, msg amqp.Delivery) error {
	var report fusion.LocationReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		return fmt.Errorf("decode location report: %w", err)
	}
	if report.ReportID == "" {
		report.ReportID = fusion.NewReportID()
	}
	c.engine.ProcessLocationReport(ctx, report)
	return nil
}
