package emit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

// sessionMessage is the JSON body published for one session.
type sessionMessage struct {
	RunID string `json:"run_id"`
	model.SessionRecord
	RecordCount int `json:"record_count"`
}

func encodeSessionJSON(runID uuid.UUID, s model.Session) ([]byte, error) {
	return json.Marshal(sessionMessage{
		RunID:         runID.String(),
		SessionRecord: Emit(s),
		RecordCount:   s.RecordCount,
	})
}

// AMQPWriter publishes one persistent JSON message per session to an
// exchange and waits for the broker to confirm each one.
type AMQPWriter struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	confirms   chan amqp.Confirmation
	exchange   string
	routingKey string
	runID      uuid.UUID
	log        logrus.FieldLogger
}

// NewAMQPWriter dials the broker, declares a durable exchange and puts the
// channel into confirm mode.
func NewAMQPWriter(cfg config.AMQPConfig, runID uuid.UUID, log logrus.FieldLogger) (*AMQPWriter, error) {
	log = log.WithField("component", "amqp-writer")

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	log.Info("Got AMQP connection, getting channel...")

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	exchangeType := cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = amqp.ExchangeTopic
	}
	log.Infof("Declaring %q exchange %q", exchangeType, cfg.Exchange)
	if err := channel.ExchangeDeclare(
		cfg.Exchange, // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // noWait
		nil,          // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel could not be put into confirm mode: %w", err)
	}

	return &AMQPWriter{
		conn:       conn,
		channel:    channel,
		confirms:   confirms,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		runID:      runID,
		log:        log,
	}, nil
}

func (w *AMQPWriter) Name() string { return "amqp" }

// Write publishes the sessions in order.
func (w *AMQPWriter) Write(sessions []model.Session) error {
	for _, s := range sessions {
		body, err := encodeSessionJSON(w.runID, s)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		err = w.channel.Publish(
			w.exchange,   // publish to an exchange
			w.routingKey, // routing to 0 or more queues
			false,        // mandatory
			false,        // immediate
			amqp.Publishing{
				Timestamp:    time.Now(),
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("exchange publish: %w", err)
		}

		confirmed, ok := <-w.confirms
		if !ok {
			return errors.New("amqp channel closed before confirmation")
		}
		if !confirmed.Ack {
			return fmt.Errorf("broker rejected delivery %d", confirmed.DeliveryTag)
		}
	}
	w.log.Debugf("Published %d sessions", len(sessions))
	return nil
}

func (w *AMQPWriter) Close() error {
	if err := w.channel.Close(); err != nil {
		w.conn.Close()
		return err
	}
	return w.conn.Close()
}
