package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/engine/protocol"
)

// Prints the layers and the decoded flow record of the first packets of a
// capture file (or a device name such as eth0).
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/pcapana/main.go <path_to_pcap_file> [count]")
		os.Exit(1)
	}
	log := logrus.New()
	limit := 5
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n <= 0 {
			log.Fatalf("Invalid count %q", os.Args[2])
		}
		limit = n
	}

	handle, err := pcap.OpenOffline(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}
	defer handle.Close()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	i := 0
	for packet := range packetSource.Packets() {
		i++
		fmt.Printf("==== Packet %d ====\n", i)
		for _, layer := range packet.Layers() {
			fmt.Println("Layer:", layer.LayerType())
		}
		rec, err := protocol.ParsePacket(packet)
		if err != nil {
			fmt.Println("Not a contact:", err)
		} else {
			fmt.Printf("Contact: %s %s -> %s\n", rec.Timestamp.Format("2006-01-02T15:04:05.000000Z07:00"), rec.SrcAddr, rec.DstAddr)
		}
		if i >= limit {
			break
		}
	}
}
