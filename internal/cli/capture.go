package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/engine/protocol"
	"Go2NetSession/internal/probe"
	"Go2NetSession/internal/probe/persistent"
)

// captureLimits bounds a live capture. Zero values mean unlimited.
type captureLimits struct {
	Duration    time.Duration
	PacketCount int
}

// NewCaptureCommand captures live traffic, persists it and optionally
// publishes flow records to NATS for ns-engine.
func NewCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture live traffic to pcapng and/or publish flow records",
		Long: "Captures on --iface until --duration elapses, --packet-count packets were seen,\n" +
			"or the process is interrupted. Packets are written to --output (default\n" +
			"data/raw/capture_<UTC time>.pcapng); with --publish every IP packet is also\n" +
			"sent to NATS as a flow record.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := settings(cmd)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if iface := v.GetString("iface"); iface != "" {
				cfg.Probe.Interface = iface
			}
			if bpf := v.GetString("bpf"); bpf != "" {
				cfg.Probe.BPFFilter = bpf
			}
			if enc := v.GetString("encoding"); enc != "" {
				cfg.Probe.Persistence.Encoding = enc
			}
			if cfg.Probe.Interface == "" {
				return fmt.Errorf("--iface is required")
			}
			limits := captureLimits{Duration: v.GetDuration("duration"), PacketCount: v.GetInt("packet_count")}
			if limits.Duration < 0 || limits.PacketCount < 0 {
				return fmt.Errorf("--duration and --packet-count must not be negative")
			}
			log := newLogger(cmd, cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			seen, err := runCapture(ctx, cfg.Probe, v.GetString("output"), v.GetBool("publish"), limits, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d packets captured\n", seen)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("iface", "", "Interface to capture from, e.g. eth0")
	flags.StringP("output", "o", "", "Output file (default data/raw/capture_<UTC time>.pcapng)")
	flags.Duration("duration", 0, "Stop after this long, e.g. 30s")
	flags.Int("packet-count", 0, "Stop after this many packets")
	flags.String("bpf", "", "BPF filter expression")
	flags.String("encoding", "", "Persistence encoding: pcapng or csv")
	flags.Bool("publish", false, "Publish flow records to NATS")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("subject", "", "NATS subject for flow records")
	return cmd
}

func runCapture(ctx context.Context, cfg config.ProbeConfig, output string, publish bool, limits captureLimits, log logrus.FieldLogger) (int, error) {
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapshotLen, cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return 0, fmt.Errorf("error opening device %s: %w", cfg.Interface, err)
	}
	defer handle.Close()
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			return 0, fmt.Errorf("invalid BPF filter %q: %w", cfg.BPFFilter, err)
		}
	}

	worker, err := persistent.NewWorker(cfg.Persistence, output, handle.LinkType(), log)
	if err != nil {
		return 0, err
	}
	defer worker.Stop()

	var pub *probe.Publisher
	if publish {
		if pub, err = probe.NewPublisher(cfg, log); err != nil {
			return 0, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer pub.Close()
	}

	if limits.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Duration)
		defer cancel()
	}

	log.Infof("Capture started on %s, writing %s", cfg.Interface, worker.Path())
	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	seen := 0
	for limits.PacketCount == 0 || seen < limits.PacketCount {
		select {
		case <-ctx.Done():
			log.Infof("Capture stopped after %d packets: %v", seen, context.Cause(ctx))
			return seen, nil
		case packet, ok := <-packets:
			if !ok {
				return seen, nil
			}
			seen++
			c := &persistent.PacketContainer{CaptureInfo: packet.Metadata().CaptureInfo, Data: packet.Data()}
			if rec, err := protocol.ParsePacket(packet); err == nil {
				c.Record = &rec
				if pub != nil {
					if err := pub.Publish(rec); err != nil {
						log.Warnf("Failed to publish flow record: %v", err)
					}
				}
			}
			worker.Enqueue(c)
			if seen%1000 == 0 {
				log.Debugf("%d packets captured...", seen)
			}
		}
	}
	log.Infof("Packet limit of %d reached", limits.PacketCount)
	return seen, nil
}
