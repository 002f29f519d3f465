package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus/hooks/test"

	"Go2NetSession/internal/model"
)

type testPacket struct {
	ts        time.Time
	src, dst  net.IP
	arp       bool
	truncated bool
}

func frame(t *testing.T, p testPacket) []byte {
	t.Helper()
	if p.truncated {
		return truncatedFrame()
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if p.arp {
		eth.EthernetType = layers.EthernetTypeARP
		err = gopacket.SerializeLayers(buf, opts, eth, &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
			DstProtAddress:    []byte{10, 0, 0, 2},
		})
	} else {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: p.src, DstIP: p.dst}
		udp := &layers.UDP{SrcPort: 5000, DstPort: 6000}
		udp.SetNetworkLayerForChecksum(ip)
		err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload([]byte("x")))
	}
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	return buf.Bytes()
}

// truncatedFrame claims IPv4 but carries only part of a header. It is built
// by hand because Ethernet serialization pads frames to the minimum length.
func truncatedFrame() []byte {
	return []byte{
		6, 7, 8, 9, 10, 11, // dst
		0, 1, 2, 3, 4, 5, // src
		0x08, 0x00, // IPv4
		0x45, 0, 0, 40, 0, 0,
	}
}

func testPackets() []testPacket {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, b := net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2}
	return []testPacket{
		{ts: base, src: a, dst: b},
		{ts: base.Add(time.Second), arp: true},
		{ts: base.Add(2 * time.Second), src: b, dst: a},
	}
}

func writePcap(t *testing.T, path string, packets []testPacket) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for _, p := range packets {
		data := frame(t, p)
		ci := gopacket.CaptureInfo{Timestamp: p.ts, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
}

func writePcapng(t *testing.T, path string, packets []testPacket) {
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
	for _, p := range packets {
		data := frame(t, p)
		ci := gopacket.CaptureInfo{Timestamp: p.ts, CaptureLength: len(data), Length: len(data)}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestReader_ReadRecords(t *testing.T) {
	formats := map[string]func(*testing.T, string, []testPacket){
		"capture.pcap":   writePcap,
		"capture.pcapng": writePcapng,
	}
	for name, write := range formats {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			write(t, path, testPackets())

			logger, _ := test.NewNullLogger()
			reader, err := NewReader(path, logger)
			if err != nil {
				t.Fatalf("Failed to create reader: %v", err)
			}
			defer reader.Close()

			out := make(chan model.FlowRecord)
			done := make(chan Stats)
			go func() {
				stats, err := reader.ReadRecords(context.Background(), out)
				if err != nil {
					t.Errorf("ReadRecords failed: %v", err)
				}
				done <- stats
			}()

			var records []model.FlowRecord
			for rec := range out {
				records = append(records, rec)
			}
			stats := <-done

			if stats.Packets != 3 || stats.Records != 2 || stats.Skipped[ReasonNotIP] != 1 || stats.SkippedTotal() != 1 {
				t.Errorf("Unexpected stats %+v", stats)
			}
			if len(records) != 2 {
				t.Fatalf("Expected 2 records, got %d", len(records))
			}
			if records[0].SrcAddr != "10.0.0.1" || records[1].SrcAddr != "10.0.0.2" {
				t.Errorf("Unexpected records %+v", records)
			}
			want := testPackets()[2].ts
			if !records[1].Timestamp.Equal(want) {
				t.Errorf("Expected timestamp %v, got %v", want, records[1].Timestamp)
			}
		})
	}
}

func TestReaderSkipReasons(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "mixed.pcap")
	writePcap(t, path, []testPacket{
		{ts: base, src: net.IP{10, 0, 0, 1}, dst: net.IP{10, 0, 0, 2}},
		{ts: base.Add(time.Second), arp: true},
		{ts: base.Add(2 * time.Second), truncated: true},
		{ts: base.Add(3 * time.Second), truncated: true},
	})

	logger, _ := test.NewNullLogger()
	reader, err := NewReader(path, logger)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer reader.Close()

	out := make(chan model.FlowRecord, 4)
	stats, err := reader.ReadRecords(context.Background(), out)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if stats.Records != 1 || stats.Skipped[ReasonNotIP] != 1 || stats.Skipped[ReasonUndecodable] != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.SkippedTotal() != 3 {
		t.Errorf("Expected 3 skipped packets, got %d", stats.SkippedTotal())
	}
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pcap")
	if err := os.WriteFile(path, []byte("this is not a capture file"), 0o644); err != nil {
		t.Fatal(err)
	}
	logger, _ := test.NewNullLogger()
	if _, err := NewReader(path, logger); err == nil {
		t.Error("Expected error for non-capture input")
	}
}
