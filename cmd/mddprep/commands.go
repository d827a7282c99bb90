package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/chaz8081/mddprep/internal/align"
	"github.com/chaz8081/mddprep/internal/audio"
	"github.com/chaz8081/mddprep/internal/config"
	"github.com/chaz8081/mddprep/internal/dataset"
	"github.com/chaz8081/mddprep/internal/stages"
)

type configLoader func() (*config.Config, error)

func newPrepareCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Fit the label encoder and materialize every split once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			printBanner(cfg)

			start := time.Now()
			splits, err := dataset.Prepare(cfg, dataset.Options{})
			if err != nil {
				return err
			}
			slog.Info("label encoder ready", "path", cfg.LabelEncoderPath(), "labels", splits.Encoder.Len())

			p := mpb.NewWithContext(cmd.Context(), mpb.WithWidth(64))
			var runErr error
			for _, name := range []string{dataset.Train, dataset.Valid, dataset.Test} {
				v, _ := splits.View(name)
				bar := p.AddBar(int64(v.Len()),
					mpb.PrependDecorators(
						decor.Name(fmt.Sprintf("%-6s", name)),
						decor.CountersNoUnit("%d / %d"),
					),
					mpb.AppendDecorators(
						decor.Percentage(),
						decor.EwmaETA(decor.ET_STYLE_GO, 60),
					),
				)
				var seconds float64
				err := dataset.Prefetch(cmd.Context(), v, cfg.Workers, func(_ int, item dataset.Item) error {
					if sig, ok := item[stages.Sig].([]float32); ok {
						seconds += float64(len(sig)) / float64(cfg.SampleRate)
					}
					bar.Increment()
					return nil
				})
				if err != nil {
					bar.Abort(false)
					runErr = fmt.Errorf("%s split: %w", name, err)
					break
				}
				slog.Info("split materialized", "split", name, "utterances", v.Len(), "audio_seconds", fmt.Sprintf("%.1f", seconds))
			}
			p.Wait()
			if runErr != nil {
				return runErr
			}

			fmt.Printf("Prepared %s (%s) in %s, shuffle train: %v\n",
				splits.Mode, splits.Mode.Descriptor().Model, time.Since(start).Round(time.Millisecond), splits.ShuffleTrain)
			return nil
		},
	}
}

func newInspectCmd(load configLoader) *cobra.Command {
	var wavOut string
	cmd := &cobra.Command{
		Use:   "inspect <split> <index>",
		Short: "Print one materialized item as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			splits, err := dataset.Prepare(cfg, dataset.Options{})
			if err != nil {
				return err
			}
			v, err := splits.View(args[0])
			if err != nil {
				return err
			}
			if index < 0 || index >= v.Len() {
				return fmt.Errorf("index %d out of range [0, %d)", index, v.Len())
			}
			item, err := v.Get(index)
			if err != nil {
				return err
			}

			out := make(map[string]any, len(item))
			for k, val := range item {
				out[k] = val
			}
			if sig, ok := item[stages.Sig].([]float32); ok {
				out[stages.Sig] = fmt.Sprintf("[%d samples, %.2fs]", len(sig), float64(len(sig))/float64(cfg.SampleRate))
				if wavOut != "" {
					w := &audio.Waveform{SampleRate: cfg.SampleRate, Channels: [][]float32{sig}}
					if err := audio.Save(wavOut, w); err != nil {
						return err
					}
					slog.Info("signal written", "path", wavOut)
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&wavOut, "wav-out", "", "write the processed signal to this WAV file")
	return cmd
}

func newStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <split>",
		Short: "Report mispronunciation rate and phoneme error rate of a split",
		Long: `Report mispronunciation rate and phoneme error rate of a split.

Labels are always derived leniently here, whatever strict_alignment says:
utterances whose aligned sequences differ in length are counted as
mismatched instead of aborting the report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.StrictAlignment = false
			splits, err := dataset.Prepare(cfg, dataset.Options{})
			if err != nil {
				return err
			}
			v, err := splits.View(args[0])
			if err != nil {
				return err
			}
			text, err := v.WithOutputs([]string{stages.PhnListCanonical, stages.PhnListPerceived, stages.MisproLabel})
			if err != nil {
				return fmt.Errorf("%s split has no aligned transcriptions: %w", args[0], err)
			}

			var st align.Stats
			for item, err := range text.All() {
				if err != nil {
					return err
				}
				labels := item[stages.MisproLabel].([]int64)
				ints := make([]int, len(labels))
				for i, l := range labels {
					ints[i] = int(l)
				}
				st.Add(item[stages.PhnListCanonical].([]string), item[stages.PhnListPerceived].([]string), ints)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], st.String())
			return nil
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default config file if none exists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if written == "" {
				fmt.Println("Config file already exists, nothing written")
				return nil
			}
			fmt.Printf("Default config written to %s\n", written)
			return nil
		},
	}
}
