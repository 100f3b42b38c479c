package reportbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cuemby/meridian/pkg/types"
)

// NATSSubscriber is the production Subscriber, grounded on the
// polymarket-indexer NATS publisher's connect options (unlimited
// reconnects, bounded reconnect wait, logged disconnect/reconnect).
// Reports are fire-and-forget progress updates rather than an
// auditable event stream, so this uses core NATS pub/sub instead of
// JetStream persistence.
type NATSSubscriber struct {
	nc     *nats.Conn
	logger *zerolog.Logger
}

// NewNATSSubscriber dials natsURL and returns a ready Subscriber.
func NewNATSSubscriber(natsURL string, logger *zerolog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("meridian-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("reportbus: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("reportbus: nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("reportbus: connect to nats: %w", err)
	}
	return &NATSSubscriber{nc: nc, logger: logger}, nil
}

func (s *NATSSubscriber) Subscribe(queryID types.QueryID, stateIdx int, handler Handler) (func() error, error) {
	subj := subject(queryID, stateIdx)
	sub, err := s.nc.Subscribe(subj, func(msg *nats.Msg) {
		var report Report
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			s.logger.Warn().Err(err).Str("subject", subj).Msg("reportbus: malformed report, dropped")
			return
		}
		// Each subscription callback runs on its own goroutine managed by
		// the nats.go client, giving ApplyExecStatusReport the "arbitrary
		// threads" concurrency the coordinator must tolerate.
		if err := handler(context.Background(), &report); err != nil {
			s.logger.Warn().Err(err).Str("subject", subj).Msg("reportbus: handler returned error")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reportbus: subscribe %s: %w", subj, err)
	}
	return sub.Unsubscribe, nil
}

// Publish sends a report; only used by backend-side test harnesses and
// integration tests, never by the coordinator itself.
func (s *NATSSubscriber) Publish(queryID types.QueryID, stateIdx int, report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("reportbus: marshal report: %w", err)
	}
	return s.nc.Publish(subject(queryID, stateIdx), data)
}

func (s *NATSSubscriber) Close() error {
	s.nc.Close()
	return nil
}
