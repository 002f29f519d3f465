package persistent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/ingest"
	"Go2NetSession/internal/model"
)

const (
	EncodingPcapng = "pcapng"
	EncodingCSV    = "csv"
)

// PacketContainer holds the raw packet and the flow record parsed from it.
// Record is nil for packets that carried no IP layer.
type PacketContainer struct {
	CaptureInfo gopacket.CaptureInfo
	Data        []byte
	Record      *model.FlowRecord
}

// DefaultPath names a capture file inside dir after the UTC start time, e.g.
// capture_20240301_120000.pcapng.
func DefaultPath(dir, encoding string, now time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("capture_%s.%s", now.UTC().Format("20060102_150405"), encoding))
}

// Worker persists captured traffic on a single goroutine so the file keeps
// capture order. Enqueue never blocks the capture loop; packets are dropped
// when the buffer is full.
type Worker struct {
	packetChan chan *PacketContainer
	file       *os.File
	path       string
	encoding   string
	wg         sync.WaitGroup
	stopOnce   sync.Once
	written    atomic.Int64
	dropped    atomic.Int64
	log        logrus.FieldLogger
}

// NewWorker creates the output file and starts the writer goroutine. When
// path is empty a DefaultPath inside cfg.Path is used. linkType is written
// into the pcapng interface block.
func NewWorker(cfg config.PersistenceConfig, path string, linkType layers.LinkType, log logrus.FieldLogger) (*Worker, error) {
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingPcapng
	}
	if encoding != EncodingPcapng && encoding != EncodingCSV {
		return nil, fmt.Errorf("unknown persistence encoding '%s'", encoding)
	}
	if path == "" {
		path = DefaultPath(cfg.Path, encoding, time.Now())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}

	bufferSize := cfg.ChannelBufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	w := &Worker{
		packetChan: make(chan *PacketContainer, bufferSize),
		file:       file,
		path:       path,
		encoding:   encoding,
		log:        log.WithFields(logrus.Fields{"component": "persistent", "path": path}),
	}

	var run func() error
	switch encoding {
	case EncodingPcapng:
		ng, err := pcapgo.NewNgWriter(file, linkType)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write pcapng header: %w", err)
		}
		run = func() error { return w.runPcapng(ng) }
	case EncodingCSV:
		buf := bufio.NewWriter(file)
		fw, err := ingest.NewFlowWriter(buf)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write csv header: %w", err)
		}
		run = func() error {
			if err := w.runCSV(fw); err != nil {
				return err
			}
			return buf.Flush()
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := run(); err != nil {
			w.log.Errorf("Failed to finish capture file: %v", err)
		}
		if err := file.Close(); err != nil {
			w.log.Errorf("Error closing file: %v", err)
		}
	}()

	w.log.Infof("Persistent worker started, encoding: %s", encoding)
	return w, nil
}

// Path returns the file being written.
func (w *Worker) Path() string {
	return w.path
}

func (w *Worker) runPcapng(ng *pcapgo.NgWriter) error {
	for c := range w.packetChan {
		if err := ng.WritePacket(c.CaptureInfo, c.Data); err != nil {
			w.log.Warnf("Error writing packet: %v", err)
			continue
		}
		w.written.Add(1)
	}
	return ng.Flush()
}

func (w *Worker) runCSV(fw *ingest.FlowWriter) error {
	for c := range w.packetChan {
		if c.Record == nil {
			continue
		}
		if err := fw.Write(*c.Record); err != nil {
			w.log.Warnf("Error writing record: %v", err)
			continue
		}
		w.written.Add(1)
	}
	return fw.Flush()
}

// Enqueue hands a packet to the writer goroutine, dropping it if the buffer is full.
func (w *Worker) Enqueue(c *PacketContainer) {
	select {
	case w.packetChan <- c:
	default:
		if w.dropped.Add(1)%1000 == 1 {
			w.log.Warn("Channel is full, dropping packets.")
		}
	}
}

// Stop drains the buffer, finishes the file and returns the number of
// packets written and dropped. Enqueue must not be called after Stop.
func (w *Worker) Stop() (written, dropped int64) {
	w.stopOnce.Do(func() {
		close(w.packetChan)
		w.wg.Wait()
		w.log.Infof("Persistent worker stopped, %d written, %d dropped.", w.written.Load(), w.dropped.Load())
	})
	return w.written.Load(), w.dropped.Load()
}
