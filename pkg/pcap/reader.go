package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/engine/protocol"
	"Go2NetSession/internal/model"
)

// pcapng files start with a Section Header Block.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads packets from a pcap or pcapng file.
type Reader struct {
	file   *os.File
	source packetSource
	log    logrus.FieldLogger
}

// Skip reasons reported in Stats.Skipped.
const (
	ReasonNotIP       = "not_ip"
	ReasonUndecodable = "undecodable"
)

// Stats counts what one pass over a capture produced.
type Stats struct {
	Packets int
	Records int
	Skipped map[string]int // by reason
}

// SkippedTotal returns the number of packets skipped for any reason.
func (s Stats) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// NewReader opens filePath and detects whether it is pcap or pcapng.
func NewReader(filePath string, log logrus.FieldLogger) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(len(ngMagic))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header of %s: %w", filePath, err)
	}

	var src packetSource
	if bytes.Equal(magic, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open capture %s: %w", filePath, err)
	}

	return &Reader{
		file:   f,
		source: src,
		log:    log.WithField("component", "pcap-reader"),
	}, nil
}

// Close closes the capture file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadRecords reads every packet and sends a FlowRecord for each IP packet to
// out. Non-IP and undecodable packets are logged and skipped. out is closed
// when the capture is exhausted, on error, or when ctx is cancelled.
func (r *Reader) ReadRecords(ctx context.Context, out chan<- model.FlowRecord) (Stats, error) {
	defer close(out)

	stats := Stats{Skipped: make(map[string]int)}
	linkType := r.source.LinkType()
	for {
		data, ci, err := r.source.ReadPacketData()
		if err == io.EOF {
			return stats, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.log.Warnf("Capture ends with a truncated packet after %d packets", stats.Packets)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		rec, err := protocol.ParseData(data, linkType, ci)
		if err != nil {
			entry := r.log.WithField("packet", stats.Packets)
			if errors.Is(err, protocol.ErrNotIP) {
				stats.Skipped[ReasonNotIP]++
				entry.Debug("Skipping non-IP packet")
			} else {
				stats.Skipped[ReasonUndecodable]++
				entry.Warnf("Skipping packet: %v", err)
			}
			continue
		}

		select {
		case out <- rec:
			stats.Records++
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
}
