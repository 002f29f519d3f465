package emit

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

// encodeSessionProto serializes one session as a protobuf Struct carrying the
// report columns plus run_id and record_count.
func encodeSessionProto(runID uuid.UUID, s model.Session) ([]byte, error) {
	rec := Emit(s)
	msg, err := structpb.NewStruct(map[string]interface{}{
		"run_id":       runID.String(),
		"peer_a":       rec.PeerA,
		"peer_b":       rec.PeerB,
		"start_time":   rec.StartTime,
		"end_time":     rec.EndTime,
		"duration_sec": rec.DurationSec,
		"record_count": s.RecordCount,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

// decodeSessionProto is the inverse of encodeSessionProto for subscribers.
func decodeSessionProto(data []byte) (model.SessionRecord, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return model.SessionRecord{}, err
	}
	f := msg.GetFields()
	return model.SessionRecord{
		PeerA:       f["peer_a"].GetStringValue(),
		PeerB:       f["peer_b"].GetStringValue(),
		StartTime:   f["start_time"].GetStringValue(),
		EndTime:     f["end_time"].GetStringValue(),
		DurationSec: f["duration_sec"].GetNumberValue(),
	}, nil
}

// NATSWriter publishes each session as a protobuf message on a subject.
type NATSWriter struct {
	nc      *nats.Conn
	subject string
	runID   uuid.UUID
	log     logrus.FieldLogger
}

// NewNATSWriter connects to the NATS server.
func NewNATSWriter(cfg config.NATSConfig, runID uuid.UUID, log logrus.FieldLogger) (*NATSWriter, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("ns-session-writer"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	log = log.WithField("component", "nats-writer")
	log.Infof("Connected to NATS server at %s", cfg.URL)
	return &NATSWriter{nc: nc, subject: cfg.Subject, runID: runID, log: log}, nil
}

func (w *NATSWriter) Name() string { return "nats" }

// Write publishes the sessions and flushes so that a returned nil means the
// server has received them.
func (w *NATSWriter) Write(sessions []model.Session) error {
	for _, s := range sessions {
		data, err := encodeSessionProto(w.runID, s)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		if err := w.nc.Publish(w.subject, data); err != nil {
			return err
		}
	}
	return w.nc.Flush()
}

// Close drains and closes the connection.
func (w *NATSWriter) Close() error {
	return w.nc.Drain()
}
