// Package eventbus publishes accepted ConnectionMatch events to an external
// consumer over AMQP, one message per match handed to Publish. It follows the connection/channel
// setup pattern the reference self-healing service uses for its telemetry
// queue, but publishes instead of consumes. Disabled unless configured; the
// matching engine never blocks on it.
package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/netweaver/capmatch/pkg/flow"
)

// MatchEvent is the wire representation of one accepted ConnectionMatch.
type MatchEvent struct {
	FlowIDA         int     `json:"flow_id_a"`
	FlowIDB         int     `json:"flow_id_b"`
	NormalizedScore float64 `json:"normalized_score"`
	ForceAccept     bool    `json:"force_accept"`
	MicroflowAccept bool    `json:"microflow_accept"`
	Evidence        string  `json:"evidence"`
}

func eventFromMatch(m flow.ConnectionMatch) MatchEvent {
	return MatchEvent{
		FlowIDA:         m.ConnA.FlowID,
		FlowIDB:         m.ConnB.FlowID,
		NormalizedScore: m.Score.NormalizedScore,
		ForceAccept:     m.Score.ForceAccept,
		MicroflowAccept: m.Score.MicroflowAccept,
		Evidence:        m.Score.Evidence,
	}
}

// Publisher streams MatchEvents to an AMQP exchange. A nil *Publisher is
// valid and Publish becomes a no-op, so callers can wire an optional
// publisher without branching at every call site.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// Dial connects to the given AMQP URL and declares the configured exchange.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		exchange,
		"fanout",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("eventbus: declare exchange: %w", err)
	}

	logger.Info("connected to event bus", zap.String("exchange", exchange))

	return &Publisher{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

// Publish streams one accepted match. Publish errors are logged, not
// returned — the matching engine must never block or fail on a downstream
// consumer being unavailable.
func (p *Publisher) Publish(m flow.ConnectionMatch) {
	if p == nil {
		return
	}
	body, err := json.Marshal(eventFromMatch(m))
	if err != nil {
		p.logger.Warn("failed to marshal match event", zap.Error(err))
		return
	}
	err = p.channel.Publish(
		p.exchange,
		"", // routing key, unused for a fanout exchange
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		p.logger.Warn("failed to publish match event", zap.Error(err))
	}
}

// Close releases the channel and connection. Safe to call on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
