package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OperationEvent is a completed engine operation published for downstream
// consumers (dashboards, alerting, reconciliation). Amounts are decimal
// strings so consumers never parse floats.
type OperationEvent struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Kind         string    `json:"kind"`
	Settlement   string    `json:"settlement"`
	Status       string    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Deposit      string    `json:"deposit,omitempty"`
	Leverage     string    `json:"leverage,omitempty"`
	LoanAmount   string    `json:"loan_amount,omitempty"`
	Collateral   string    `json:"collateral,omitempty"`
	Debt         string    `json:"debt,omitempty"`
	HealthFactor string    `json:"health_factor,omitempty"`
	Returned     string    `json:"returned,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher drains the publish channel and writes operation events to NATS
// JetStream. Publishing is best-effort: a failed publish is logged, not
// retried, because the Postgres audit log is the durable record.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan OperationEvent
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan OperationEvent, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the publisher loop. Subjects follow the pattern
// loop.engine.operations.{kind}.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-p.inputChan:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, evt); err != nil {
				p.log.Warn().Err(err).Str("id", evt.ID).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt OperationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("loop.engine.operations.%s", evt.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound operations stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "LOOP_ENGINE_OPERATIONS",
		Subjects:  []string{"loop.engine.operations.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create operations stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
