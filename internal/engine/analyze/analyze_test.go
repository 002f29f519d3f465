package analyze

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/ingest"
	"Go2NetSession/internal/logging"
)

const flows = `timestamp,src_ip,dst_ip
2024-03-01T12:03:30,10.0.0.2,10.0.0.1
2024-03-01T12:00:00,10.0.0.1,10.0.0.2
2024-03-01T12:00:10,10.0.0.2,10.0.0.1
garbage,10.0.0.1,10.0.0.2
2024-03-01T12:03:20,10.0.0.1,10.0.0.2
2024-03-01T12:00:50,10.0.0.9,10.0.0.9
2024-03-01T12:00:00,10.0.0.3,10.0.0.1
2024-03-01T12:00:00,10.0.0.1,10.0.0.3
`

var wantRows = [][]string{
	{"peer_a", "peer_b", "start_time", "end_time", "duration_sec"},
	{"10.0.0.1", "10.0.0.2", "2024-03-01T12:00:00Z", "2024-03-01T12:00:10Z", "10.0"},
	{"10.0.0.1", "10.0.0.2", "2024-03-01T12:03:20Z", "2024-03-01T12:03:30Z", "10.0"},
	{"10.0.0.1", "10.0.0.3", "2024-03-01T12:00:00Z", "2024-03-01T12:00:00Z", "0.0"},
	{"10.0.0.9", "10.0.0.9", "2024-03-01T12:00:50Z", "2024-03-01T12:00:50Z", "0.0"},
}

func setup(t *testing.T, input string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "flows.csv")
	if err := os.WriteFile(in, []byte(input), 0o644); err != nil {
		t.Fatal(err)
	}
	report := filepath.Join(dir, "out", "sessions.csv")

	cfg := config.Default()
	cfg.Input.Path = in
	cfg.Output.Writers = []config.WriterDef{{Type: "csv", Enabled: true, CSV: config.CSVConfig{Path: report}}}
	cfg.Sessionizer.NumWorkers = 3
	return cfg, report
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestRunBatch(t *testing.T) {
	cfg, report := setup(t, flows)

	rep, err := Run(context.Background(), cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := readRows(t, report); !reflect.DeepEqual(got, wantRows) {
		t.Errorf("Report rows:\n%v\nwant\n%v", got, wantRows)
	}
	if rep.Sessions != 4 || rep.Pairs != 3 || rep.Input.Valid != 7 || rep.Input.Skipped["bad_timestamp"] != 1 {
		t.Errorf("Unexpected report %+v", rep)
	}
	if rep.Interrupted {
		t.Error("Run should not be marked interrupted")
	}
}

func TestRunBatchIsDeterministic(t *testing.T) {
	cfg, report := setup(t, flows)
	if _, err := Run(context.Background(), cfg, logging.Discard(), nil); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(report)

	cfg.Sessionizer.NumWorkers = 1
	cfg.Sessionizer.NumShards = 7
	if _, err := Run(context.Background(), cfg, logging.Discard(), nil); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(report)
	if string(first) != string(second) {
		t.Errorf("Output differs between runs:\n%s\n%s", first, second)
	}
}

func TestRunStream(t *testing.T) {
	// Chronological input; stream mode must agree with batch mode row for row.
	input := "timestamp,src_ip,dst_ip\n" +
		"2024-03-01T12:00:00,10.0.0.1,10.0.0.2\n" +
		"2024-03-01T12:00:00,10.0.0.1,10.0.0.3\n" +
		"2024-03-01T12:00:10,10.0.0.2,10.0.0.1\n" +
		"2024-03-01T12:00:50,10.0.0.9,10.0.0.9\n" +
		"2024-03-01T12:03:20,10.0.0.1,10.0.0.2\n" +
		"2024-03-01T12:03:30,10.0.0.2,10.0.0.1\n"
	cfg, report := setup(t, input)
	cfg.Sessionizer.Mode = config.ModeStream

	rep, err := Run(context.Background(), cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := readRows(t, report); !reflect.DeepEqual(got, wantRows) {
		t.Errorf("Stream rows:\n%v\nwant\n%v", got, wantRows)
	}
	if rep.Sessions != 4 || rep.Pairs != 0 || rep.Mode != config.ModeStream {
		t.Errorf("Unexpected report %+v", rep)
	}
}

// manyPairs renders flows for n peer pairs, each chronological on its own,
// interleaved round-robin so the file as a whole is not in time order.
func manyPairs(n int) string {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	pairs := make([][]string, n)
	for p := range pairs {
		a := fmt.Sprintf("10.0.%d.%d", p/256, p%256)
		b := fmt.Sprintf("192.168.%d.%d", rng.Intn(4), rng.Intn(254)+1)
		ts := base.Add(time.Duration(rng.Intn(3600)) * time.Second)
		for k := 0; k < 12; k++ {
			// Mostly short gaps, sometimes longer than the 60s idle timeout.
			ts = ts.Add(time.Duration(rng.Intn(90)) * time.Second)
			src, dst := a, b
			if rng.Intn(2) == 0 {
				src, dst = b, a
			}
			pairs[p] = append(pairs[p], fmt.Sprintf("%s,%s,%s\n", ts.Format(time.RFC3339), src, dst))
		}
	}

	var sb strings.Builder
	sb.WriteString("timestamp,src_ip,dst_ip\n")
	for k := 0; k < 12; k++ {
		for p := range pairs {
			sb.WriteString(pairs[p][k])
		}
	}
	return sb.String()
}

func TestRunStreamIsDeterministic(t *testing.T) {
	cfg, report := setup(t, manyPairs(200))
	cfg.Sessionizer.Mode = config.ModeStream
	cfg.Sessionizer.NumWorkers = 4
	// Small enough for many sweep epochs over 2400 rows.
	cfg.Sessionizer.SizeOfRecordChannel = 64

	var first []byte
	for i := 0; i < 5; i++ {
		if _, err := Run(context.Background(), cfg, logging.Discard(), nil); err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
		got, err := os.ReadFile(report)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = got
			continue
		}
		if !bytes.Equal(got, first) {
			t.Fatalf("Run %d output differs from run 0", i)
		}
	}
}

func TestRunStreamMatchesBatchBytes(t *testing.T) {
	input := manyPairs(200)

	cfg, report := setup(t, input)
	if _, err := Run(context.Background(), cfg, logging.Discard(), nil); err != nil {
		t.Fatalf("Batch run failed: %v", err)
	}
	batch, _ := os.ReadFile(report)

	// Input is chronological per pair and fits one epoch, so nothing is
	// closed early and the single sorted epoch equals the batch report.
	cfg.Sessionizer.Mode = config.ModeStream
	cfg.Sessionizer.NumWorkers = 4
	cfg.Sessionizer.SizeOfRecordChannel = 10000
	rep, err := Run(context.Background(), cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Stream run failed: %v", err)
	}
	stream, _ := os.ReadFile(report)

	if !bytes.Equal(stream, batch) {
		t.Errorf("Stream report differs from batch report:\n%s\nvs\n%s", stream, batch)
	}
	if rep.Late != 0 {
		t.Errorf("Expected no late records, got %d", rep.Late)
	}
}

func TestRunEmptyInputWritesHeader(t *testing.T) {
	cfg, report := setup(t, "timestamp,src_ip,dst_ip\n")
	rep, err := Run(context.Background(), cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Sessions != 0 {
		t.Errorf("Expected no sessions, got %d", rep.Sessions)
	}
	if got := readRows(t, report); !reflect.DeepEqual(got, wantRows[:1]) {
		t.Errorf("Expected header only, got %v", got)
	}
}

func TestRunInvalidConfigCreatesNoOutput(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"zero idle":      func(c *config.Config) { c.Sessionizer.IdleTimeout = "0" },
		"negative idle":  func(c *config.Config) { c.Sessionizer.IdleTimeout = "-5s" },
		"unknown mode":   func(c *config.Config) { c.Sessionizer.Mode = "realtime" },
		"unknown writer": func(c *config.Config) { c.Output.Writers[0].Type = "parquet" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg, report := setup(t, flows)
			mutate(cfg)
			_, err := Run(context.Background(), cfg, logging.Discard(), nil)
			if !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
			if _, statErr := os.Stat(report); !os.IsNotExist(statErr) {
				t.Errorf("Expected no report file, stat returned %v", statErr)
			}
		})
	}
}

func TestRunMissingColumnCreatesNoOutput(t *testing.T) {
	cfg, report := setup(t, "time,src_ip,dst_ip\n2024-03-01T12:00:00,a,b\n")
	_, err := Run(context.Background(), cfg, logging.Discard(), nil)
	if !errors.Is(err, ingest.ErrMissingColumn) {
		t.Fatalf("Expected ErrMissingColumn, got %v", err)
	}
	if _, statErr := os.Stat(report); !os.IsNotExist(statErr) {
		t.Errorf("Expected no report file, stat returned %v", statErr)
	}
}

func TestRunInterrupted(t *testing.T) {
	cfg, report := setup(t, flows)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := Run(ctx, cfg, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("Interrupted run should still succeed, got %v", err)
	}
	if !rep.Interrupted {
		t.Error("Expected report to be marked interrupted")
	}
	if got := readRows(t, report); len(got) != 1 {
		t.Errorf("Expected header only for a run cancelled before reading, got %v", got)
	}
}

func writeCapture(t *testing.T, path string, base time.Time, offsets []time.Duration, dsts []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	for i, off := range offsets {
		eth := &layers.Ethernet{SrcMAC: []byte{0, 1, 2, 3, 4, 5}, DstMAC: []byte{6, 7, 8, 9, 10, 11}, EthernetType: layers.EthernetTypeIPv4}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: []byte{10, 0, 0, 1}, DstIP: []byte{10, 0, 0, dsts[i]}}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443}
		tcp.SetNetworkLayerForChecksum(ip)
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, tcp); err != nil {
			t.Fatal(err)
		}
		ci := gopacket.CaptureInfo{Timestamp: base.Add(off), CaptureLength: len(buf.Bytes()), Length: len(buf.Bytes()), InterfaceIndex: 0}
		if err := w.WritePacket(ci, buf.Bytes()); err != nil {
			t.Fatal(err)
		}
	}
	// A frame that claims IPv4 but is cut short is undecodable. Built by hand:
	// Ethernet serialization would pad it into a valid header.
	short := []byte{6, 7, 8, 9, 10, 11, 0, 1, 2, 3, 4, 5, 0x08, 0x00, 0x45, 0, 0, 40, 0, 0}
	sci := gopacket.CaptureInfo{Timestamp: base, CaptureLength: len(short), Length: len(short)}
	if err := w.WritePacket(sci, short); err != nil {
		t.Fatal(err)
	}
	// An ARP frame is not a contact and must be counted as skipped.
	arp := gopacket.NewSerializeBuffer()
	gopacket.SerializeLayers(arp, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{SrcMAC: []byte{0, 1, 2, 3, 4, 5}, DstMAC: []byte{255, 255, 255, 255, 255, 255}, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4, HwAddressSize: 6, ProtAddressSize: 4,
			Operation: layers.ARPRequest, SourceHwAddress: []byte{0, 1, 2, 3, 4, 5}, SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2}})
	ci := gopacket.CaptureInfo{Timestamp: base, CaptureLength: len(arp.Bytes()), Length: len(arp.Bytes())}
	if err := w.WritePacket(ci, arp.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestRunCapture(t *testing.T) {
	cfg, report := setup(t, flows)
	capture := filepath.Join(t.TempDir(), "capture.pcapng")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	writeCapture(t, capture, base,
		[]time.Duration{0, 5 * time.Second, 2 * time.Minute, 0},
		[]byte{2, 2, 2, 3})

	rep, err := RunCapture(context.Background(), cfg, capture, logging.Discard(), nil)
	if err != nil {
		t.Fatalf("RunCapture failed: %v", err)
	}
	if rep.Sessions != 3 || rep.Pairs != 2 || rep.Input.Valid != 4 ||
		rep.Input.Skipped["not_ip"] != 1 || rep.Input.Skipped["undecodable"] != 1 {
		t.Errorf("Unexpected report %+v", rep)
	}
	want := [][]string{
		wantRows[0],
		{"10.0.0.1", "10.0.0.2", "2024-03-01T12:00:00Z", "2024-03-01T12:00:05Z", "5.0"},
		{"10.0.0.1", "10.0.0.2", "2024-03-01T12:02:00Z", "2024-03-01T12:02:00Z", "0.0"},
		{"10.0.0.1", "10.0.0.3", "2024-03-01T12:00:00Z", "2024-03-01T12:00:00Z", "0.0"},
	}
	if got := readRows(t, report); !reflect.DeepEqual(got, want) {
		t.Errorf("Capture rows:\n%v\nwant\n%v", got, want)
	}
}
