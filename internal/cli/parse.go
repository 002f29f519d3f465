package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"Go2NetSession/internal/ingest"
	"Go2NetSession/internal/model"
	"Go2NetSession/pkg/pcap"
)

// NewParseCommand converts a pcap or pcapng capture into a flow-record CSV.
func NewParseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Convert a pcap/pcapng capture into a flow-record CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := settings(cmd)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			in, out := v.GetString("pcap"), v.GetString("output")
			if in == "" || out == "" {
				return fmt.Errorf("both --pcap and --output are required")
			}
			log := newLogger(cmd, cfg)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			n, err := parseCapture(ctx, in, out, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d flow records written to %s\n", n, out)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP("pcap", "p", "", "Input pcap/pcapng file")
	flags.StringP("output", "o", "", "Output flow-record CSV")
	return cmd
}

// parseCapture streams every IP packet of in into out as one CSV row.
func parseCapture(ctx context.Context, in, out string, log logrus.FieldLogger) (int, error) {
	reader, err := pcap.NewReader(in, log)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	fw, err := ingest.NewFlowWriter(buf)
	if err != nil {
		return 0, err
	}

	records := make(chan model.FlowRecord, 1024)
	done := make(chan error, 1)
	go func() {
		var werr error
		for rec := range records {
			if werr == nil {
				werr = fw.Write(rec)
			}
		}
		done <- werr
	}()

	stats, readErr := reader.ReadRecords(ctx, records)
	if werr := <-done; werr != nil {
		return fw.Count(), fmt.Errorf("failed to write flow record: %w", werr)
	}
	if err := fw.Flush(); err != nil {
		return fw.Count(), err
	}
	if err := buf.Flush(); err != nil {
		return fw.Count(), err
	}
	if readErr != nil {
		return fw.Count(), readErr
	}
	log.WithFields(logrus.Fields{"packets": stats.Packets, "skipped": stats.Skipped}).
		Infof("Parsed %d flow records into %s", stats.Records, out)
	return fw.Count(), f.Close()
}
