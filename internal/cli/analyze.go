package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/engine/analyze"
)

// NewAnalyzeCommand turns a flow-record CSV into a session report.
func NewAnalyzeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Group flow records into peer-pair sessions",
		Long: "Reads a flow-record CSV (timestamp,src_ip,dst_ip), splits the contacts of every\n" +
			"unordered address pair into sessions separated by more than the idle timeout,\n" +
			"and writes them to the configured writers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := settings(cmd)
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runAnalyze(cmd, cfg, v.GetString("pcap"))
		},
	}

	flags := cmd.Flags()
	flags.StringP("input", "i", "", "Input flow-record CSV")
	flags.StringP("pcap", "p", "", "Read contacts from a pcap/pcapng file instead of a CSV")
	flags.StringP("report", "r", "", "Output session CSV")
	flags.String("idle-timeout", "", "Idle timeout, e.g. 60s or 60 (seconds)")
	flags.String("mode", "", "Sessionizer mode: batch or stream")
	flags.Int("workers", 0, "Number of sessionizer workers")
	return cmd
}

// NewPcapAnalyzerCommand sessionizes one capture file given as argument.
func NewPcapAnalyzerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcap-analyzer <capture>",
		Short: "Group the packets of a pcap/pcapng file into peer-pair sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(settings(cmd))
			if err != nil {
				return err
			}
			return runAnalyze(cmd, cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringP("report", "r", "", "Output session CSV")
	flags.String("idle-timeout", "", "Idle timeout, e.g. 60s or 60 (seconds)")
	flags.String("mode", "", "Sessionizer mode: batch or stream")
	flags.Int("workers", 0, "Number of sessionizer workers")
	return cmd
}

// runAnalyze runs one analysis over the capture when one is given, otherwise
// over the configured CSV input.
func runAnalyze(cmd *cobra.Command, cfg *config.Config, capture string) error {
	if capture == "" && cfg.Input.Path == "" {
		return fmt.Errorf("no input given, use --input, --pcap or input.path")
	}
	log := newLogger(cmd, cfg)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var (
		report *analyze.Report
		err    error
	)
	if capture != "" {
		report, err = analyze.RunCapture(ctx, cfg, capture, log, nil)
	} else {
		report, err = analyze.Run(ctx, cfg, log, nil)
	}
	if err != nil {
		return err
	}
	if report.Mode == config.ModeStream {
		fmt.Fprintf(cmd.OutOrStdout(), "%d sessions from %d rows (%d skipped, %d late)\n",
			report.Sessions, report.Input.Rows, report.Input.SkippedTotal(), report.Late)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%d sessions across %d peer pairs from %d rows (%d skipped)\n",
			report.Sessions, report.Pairs, report.Input.Rows, report.Input.SkippedTotal())
	}
	if report.Interrupted {
		fmt.Fprintln(cmd.OutOrStdout(), "interrupted: report covers the rows read before the signal")
	}
	return nil
}
