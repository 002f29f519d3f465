package probe

import (
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

// Publisher is responsible for publishing flow records to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     logrus.FieldLogger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.ProbeConfig, log logrus.FieldLogger) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("ns-probe"))
	if err != nil {
		return nil, err
	}
	log = log.WithField("component", "publisher")
	log.Infof("Connected to NATS server at %s", cfg.NATSURL)
	return &Publisher{nc: nc, subject: cfg.Subject, log: log}, nil
}

// Publish serializes a FlowRecord and publishes it to the configured subject.
func (p *Publisher) Publish(rec model.FlowRecord) error {
	data, err := EncodeFlowRecord(rec)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.log.Info("NATS connection drained and closed.")
	}
}
