package probe

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"Go2NetSession/internal/model"
)

// ErrBadMessage marks payloads that decode as protobuf but lack a usable
// flow record.
var ErrBadMessage = errors.New("malformed flow record message")

// EncodeFlowRecord serializes a record as a protobuf Struct:
// {seconds, nanos, src_ip, dst_ip}. Seconds and nanos come from a
// timestamppb.Timestamp so the wire value is always normalized.
func EncodeFlowRecord(rec model.FlowRecord) ([]byte, error) {
	ts := timestamppb.New(rec.Timestamp)
	if err := ts.CheckValid(); err != nil {
		return nil, err
	}
	msg, err := structpb.NewStruct(map[string]interface{}{
		"seconds": ts.GetSeconds(),
		"nanos":   ts.GetNanos(),
		"src_ip":  rec.SrcAddr,
		"dst_ip":  rec.DstAddr,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

// DecodeFlowRecord is the inverse of EncodeFlowRecord. Timestamps come back in UTC.
func DecodeFlowRecord(data []byte) (model.FlowRecord, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return model.FlowRecord{}, err
	}
	f := msg.GetFields()
	secs, okS := f["seconds"].GetKind().(*structpb.Value_NumberValue)
	nanos, okN := f["nanos"].GetKind().(*structpb.Value_NumberValue)
	src, dst := f["src_ip"].GetStringValue(), f["dst_ip"].GetStringValue()
	if !okS || !okN || src == "" || dst == "" {
		return model.FlowRecord{}, ErrBadMessage
	}

	ts := &timestamppb.Timestamp{Seconds: int64(secs.NumberValue), Nanos: int32(nanos.NumberValue)}
	if err := ts.CheckValid(); err != nil {
		return model.FlowRecord{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return model.FlowRecord{Timestamp: ts.AsTime(), SrcAddr: src, DstAddr: dst}, nil
}
