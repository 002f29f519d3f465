package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"
)

type packet struct {
	ts       time.Time
	src, dst net.IP
}

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	pairs := flag.Int("pairs", 50, "Number of peer pairs")
	bursts := flag.Int("bursts", 3, "Conversations per peer pair")
	perBurst := flag.Int("packets", 20, "Packets per conversation")
	gap := flag.Duration("gap", 2*time.Minute, "Silence between conversations of one pair")
	spacing := flag.Duration("spacing", 2*time.Second, "Maximum spacing of packets inside a conversation")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	log := logrus.New()
	rng := rand.New(rand.NewSource(*seed))
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var packets []packet
	for p := 0; p < *pairs; p++ {
		a := net.IP{10, 0, byte(p >> 8), byte(p)}
		b := net.IP{192, 168, byte(rng.Intn(256)), byte(rng.Intn(254) + 1)}
		ts := start.Add(time.Duration(rng.Int63n(int64(time.Minute))))
		for c := 0; c < *bursts; c++ {
			for i := 0; i < *perBurst; i++ {
				src, dst := a, b
				if rng.Intn(2) == 0 {
					src, dst = b, a
				}
				packets = append(packets, packet{ts: ts, src: src, dst: dst})
				ts = ts.Add(time.Duration(rng.Int63n(int64(*spacing)) + 1))
			}
			ts = ts.Add(*gap)
		}
	}
	// Captures are written in arrival order.
	sort.SliceStable(packets, func(i, j int) bool { return packets[i].ts.Before(packets[j].ts) })

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	log.Infof("Generating %d packets for %d pairs into %s...", len(packets), *pairs, *outputFile)
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	for _, p := range packets {
		ethLayer := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ipLayer := &layers.IPv4{
			SrcIP:    p.src,
			DstIP:    p.dst,
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
		}
		tcpLayer := &layers.TCP{
			SrcPort: layers.TCPPort(rng.Intn(65535-1024) + 1024),
			DstPort: 443,
			Seq:     rng.Uint32(),
			ACK:     true,
			Window:  14600,
		}
		tcpLayer.SetNetworkLayerForChecksum(ipLayer)

		payload := make([]byte, rng.Intn(1400)+50)
		rng.Read(payload)

		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, tcpLayer, gopacket.Payload(payload)); err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     p.ts,
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := pcapWriter.WritePacket(ci, buf.Bytes()); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	log.Infof("Done. An idle timeout between %s and %s yields %d sessions per pair.", *spacing, *gap, *bursts)
}
