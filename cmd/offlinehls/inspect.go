package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-hls-offline/internal/estimate"
	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/transport"
)

var (
	inspectSamples int
	inspectJSON    bool
	inspectTrust   string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [url]",
	Short: "Parse a playlist and report qualities, segments and estimated size",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().IntVar(&inspectSamples, "samples", 0,
		"segments probed for the size estimate (config value when 0)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print the parsed playlist as JSON")
	inspectCmd.Flags().StringVar(&inspectTrust, "trust-header", "",
		"trust header value sent with every request (config value when empty)")
}

type inspectReport struct {
	Playlist       *manifest.Description `json:"playlist"`
	EstimatedBytes int64                 `json:"estimated_bytes,omitempty"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	trust := inspectTrust
	if trust == "" {
		trust = cfg.Download.TrustHeader
	}
	samples := inspectSamples
	if samples <= 0 {
		samples = cfg.Download.SampleCount
	}

	fetcher := transport.New(&cfg.Download, logger)
	parser := manifest.NewParser(fetcher, logger)
	parser.SetTimeout(cfg.Download.ManifestTimeout)
	desc, err := parser.Parse(ctx, args[0], trust)
	if err != nil {
		return err
	}

	report := inspectReport{Playlist: desc}
	if !desc.IsMaster {
		report.EstimatedBytes = estimate.New(fetcher, cfg.Download.ProbeTimeout, logger).
			EstimateTotalSize(ctx, desc.Segments, trust, samples)
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if desc.IsMaster {
		printMaster(desc)
		return nil
	}
	printMedia(desc, report.EstimatedBytes)
	return nil
}

func printMaster(desc *manifest.Description) {
	fmt.Printf("master playlist %s\n\n", desc.URL)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUALITY\tBANDWIDTH\tRESOLUTION\tCODECS")
	for _, q := range desc.Qualities {
		resolution := "-"
		if q.Width > 0 && q.Height > 0 {
			resolution = fmt.Sprintf("%dx%d", q.Width, q.Height)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", q.Label, q.BandwidthBps, resolution, q.Codecs)
	}
	w.Flush()

	if len(desc.AudioTracks) > 0 || len(desc.SubtitleTracks) > 0 {
		fmt.Println()
		for _, t := range desc.AudioTracks {
			fmt.Printf("audio     %-8s %s\n", t.Language, t.Name)
		}
		for _, t := range desc.SubtitleTracks {
			fmt.Printf("subtitle  %-8s %s\n", t.Language, t.Name)
		}
	}
}

func printMedia(desc *manifest.Description, estimated int64) {
	fmt.Printf("media playlist %s\n\n", desc.URL)

	encryption := "none"
	if desc.EncryptionKey != nil {
		encryption = string(desc.EncryptionKey.Method)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "segments\t%d\n", len(desc.Segments))
	fmt.Fprintf(w, "duration\t%.1fs\n", desc.TotalDuration)
	fmt.Fprintf(w, "target duration\t%ds\n", desc.TargetDuration)
	fmt.Fprintf(w, "encryption\t%s\n", encryption)
	fmt.Fprintf(w, "init segment\t%t\n", desc.InitSegment != nil)
	fmt.Fprintf(w, "live\t%t\n", desc.IsLive)
	fmt.Fprintf(w, "estimated size\t%s\n", humanBytes(estimated))
	w.Flush()
}
