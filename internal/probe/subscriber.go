package probe

import (
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

// RecordHandler processes one received flow record.
type RecordHandler func(rec model.FlowRecord)

// Subscriber is responsible for subscribing to a NATS subject and decoding
// flow records.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.ProbeConfig, log logrus.FieldLogger, m *metrics.Metrics) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ns-engine"))
	if err != nil {
		return nil, err
	}
	log = log.WithField("component", "subscriber")
	log.Infof("Connected to NATS server at %s", cfg.NATSURL)
	return &Subscriber{nc: nc, subject: cfg.Subject, log: log, metrics: m}, nil
}

// Start subscribes to the subject and hands every decodable record to handler.
// Undecodable messages are logged and counted as skipped.
func (s *Subscriber) Start(handler RecordHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		rec, err := DecodeFlowRecord(msg.Data)
		if err != nil {
			s.metrics.RecordSkipped("bad_message")
			s.log.Warnf("Dropping undecodable message: %v", err)
			return
		}
		s.metrics.RecordIngested()
		handler(rec)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Infof("Subscribed to '%s'. Waiting for flow records...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed.")
	}
}
