package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maastricht-university/eeg-pipeline/acquisition"
	"github.com/maastricht-university/eeg-pipeline/classify"
	cfg "github.com/maastricht-university/eeg-pipeline/config"
	"github.com/maastricht-university/eeg-pipeline/device"
	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/orchestrator"
	"github.com/maastricht-university/eeg-pipeline/publish"
	"github.com/maastricht-university/eeg-pipeline/recording"
	"github.com/maastricht-university/eeg-pipeline/report"
	"github.com/maastricht-university/eeg-pipeline/store"
)

// pipeline builds the orchestrator, attached to the session database when
// paths.database is set. The returned func closes the database.
func (a *app) pipeline() (*orchestrator.Pipeline, func(), error) {
	p := orchestrator.NewPipeline(a.cfg, a.log)
	if a.cfg.Paths.Database == "" {
		return p, func() {}, nil
	}
	db, err := store.Open(a.cfg.Paths.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return p.WithStore(db), func() { db.Close() }, nil
}

// --- record ---

func (a *app) recordCmd() *cobra.Command {
	var (
		duration float64
		headless bool
		plot     bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture a labelled session from the board",
		Long: "Streams samples from the configured device while the number keys set the active label.\n" +
			"The session ends on the stop key, on --duration or on SIGINT.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := eeg.ParseLabel(a.cfg.Session.DefaultLabel)
			if err != nil {
				return fmt.Errorf("session.default_label: %w", err)
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, cfg.Seconds(duration))
				defer cancel()
			}

			cell := acquisition.NewLabelCell(def)
			kb := make(chan error, 1)
			if headless {
				close(kb)
			} else {
				keys, err := acquisition.NewKeymap(a.cfg.Labels.Keys, a.cfg.Labels.StopKey)
				if err != nil {
					return err
				}
				restore, err := a.logToFile(filepath.Join(a.cfg.Paths.Data, "record.log"))
				if err != nil {
					return err
				}
				defer restore()
				go func() {
					defer cancel()
					kb <- acquisition.RunKeyboard(ctx, acquisition.NewKeyboardModel(cell, keys, cancel))
				}()
			}

			p, closeDB, err := a.pipeline()
			if err != nil {
				return err
			}
			defer closeDB()

			var sum *orchestrator.RecordSummary
			err = device.With(ctx, a.cfg.Device, nil, a.log, func(src device.Source) error {
				var rerr error
				sum, rerr = p.Record(ctx, src, cell)
				return rerr
			})
			cancel()
			if kerr := <-kb; kerr != nil {
				err = errors.Join(err, fmt.Errorf("keyboard: %w", kerr))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d samples, %d labels -> %s\n",
				sum.SessionID, sum.Samples, sum.Labels, sum.MergedPath)

			if plot {
				recs, err := recording.ReadFile(sum.MergedPath, recording.ReadMerged)
				if err != nil {
					return err
				}
				return report.PlotLabeled(filepath.Join(sum.Dir, "merged.png"), recs, report.Options{Title: sum.SessionID})
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&duration, "duration", 0, "stop after this many seconds (0 = until the stop key)")
	f.BoolVar(&headless, "headless", false, "no keyboard; the label stays at session.default_label")
	f.BoolVar(&plot, "plot", false, "save a labelled plot of the session")
	return cmd
}

// logToFile sends log output to path while the terminal UI owns the screen.
func (a *app) logToFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	prev := a.log.Out
	a.log.SetOutput(f)
	return func() {
		a.log.SetOutput(prev)
		f.Close()
	}, nil
}

// --- combine ---

func (a *app) combineCmd() *cobra.Command {
	var (
		out       string
		pattern   string
		normalize bool
	)
	cmd := &cobra.Command{
		Use:   "combine [merged.csv...]",
		Short: "Concatenate recorded sessions onto one timeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			o := recording.CombineOptions{Normalize: normalize}
			var (
				recs  []eeg.MergedRecord
				paths = args
				err   error
			)
			switch {
			case len(args) > 0:
				recs, err = recording.CombineFiles(args, o)
			case pattern != "":
				recs, paths, err = recording.CombineGlob(pattern, o)
			default:
				recs, paths, err = recording.CombineGlob(filepath.Join(a.cfg.Paths.Data, "session_*", "merged.csv"), o)
			}
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Join(a.cfg.Paths.Data, "combined.csv")
			}
			if err := recording.WriteFile(out, func(w io.Writer) error { return recording.WriteMerged(w, recs) }); err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{"sessions": len(paths), "records": len(recs), "output": out}).Info("sessions combined")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "", "output file (default <paths.data>/combined.csv)")
	f.StringVar(&pattern, "glob", "", "combine every file matching this pattern")
	f.BoolVar(&normalize, "normalize", false, "rescale later sessions to the first session's channel statistics")
	return cmd
}

// --- filter ---

func (a *app) filterCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "filter <merged.csv>",
		Short: "Band-pass (and optionally notch) every channel of a merged file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = filepath.Join(filepath.Dir(args[0]), "filtered.csv")
			}
			p, closeDB, err := a.pipeline()
			if err != nil {
				return err
			}
			defer closeDB()
			_, err = p.Filter(args[0], out)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default filtered.csv next to the input)")
	return cmd
}

// --- epochs ---

func (a *app) epochsCmd() *cobra.Command {
	var fit string
	cmd := &cobra.Command{
		Use:   "epochs <filtered.csv>",
		Short: "Cut a filtered file into labelled epochs and write the feature table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeDB, err := a.pipeline()
			if err != nil {
				return err
			}
			defer closeDB()
			sum, err := p.Prepare(cmd.Context(), args[0], orchestrator.PrepareOptions{FitModel: fit})
			if sum != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "session %s: retained %d, discarded %d, shortest epoch %d samples (floor %d)\n",
					sum.SessionID, sum.Retained, sum.Discarded, sum.Shortest, sum.MinSamples)
				for _, d := range sum.Dropped {
					fmt.Fprintf(cmd.OutOrStdout(), "  epoch %d: %s %v\n", d.Epoch, d.Reason, d.Labels)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&fit, "fit-model", "", "also fit a nearest-centroid model and save it here")
	return cmd
}

// --- live ---

func (a *app) liveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Classify the latest epoch from the board once per epoch length",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, closeDB, err := a.pipeline()
			if err != nil {
				return err
			}
			defer closeDB()

			c, err := classify.Open(ctx, a.cfg.Classifier, a.cfg.Features.Kind, a.log)
			if err != nil {
				return err
			}
			sinks := publish.Multi{publish.NewWriter(cmd.OutOrStdout(), asJSON)}
			if a.cfg.MQTT.Broker != "" {
				dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				m, err := publish.DialMQTT(dctx, a.cfg.MQTT, a.log)
				cancel()
				if err != nil {
					c.Close()
					return err
				}
				sinks = append(sinks, m)
			}

			// Live closes the classifier and the sinks once it runs
			ran := false
			err = device.With(ctx, a.cfg.Device, nil, a.log, func(src device.Source) error {
				ran = true
				sum, err := p.Live(ctx, src, c, sinks)
				if sum != nil {
					a.log.WithFields(logrus.Fields{"labels": sum.LabelCounts, "padded": sum.Padded}).Info("live summary")
				}
				return err
			})
			if !ran {
				err = errors.Join(err, c.Close(), sinks.Close())
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print predictions as JSON lines")
	return cmd
}

// --- plot ---

func (a *app) plotCmd() *cobra.Command {
	var (
		out      string
		filtered bool
		channels []int
		ylim     float64
	)
	cmd := &cobra.Command{
		Use:   "plot <file.csv>",
		Short: "Plot channels over time with the label timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			read := recording.ReadMerged
			if filtered {
				read = recording.ReadFiltered
			}
			recs, err := recording.ReadFile(args[0], read)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0][:len(args[0])-len(filepath.Ext(args[0]))] + ".png"
			}
			var sel []int
			for _, c := range channels {
				if c < 1 {
					return fmt.Errorf("--channels counts from 1, got %d", c)
				}
				sel = append(sel, c-1)
			}
			if err := report.PlotLabeled(out, recs, report.Options{Title: filepath.Base(args[0]), Channels: sel, YLim: ylim}); err != nil {
				return err
			}
			a.log.WithField("output", out).Info("plot saved")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&out, "out", "o", "", "PNG path (default: input with .png)")
	f.BoolVar(&filtered, "filtered", false, "input is a filtered file with a header")
	f.IntSliceVar(&channels, "channels", nil, "channels to plot, 1-based as in the legend (features.channels counts from 0)")
	f.Float64Var(&ylim, "ylim", 0, "symmetric amplitude limit (0 = auto)")
	return cmd
}

// --- relabel ---

func (a *app) relabelCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "relabel <merged.csv> <labels.csv>",
		Short: "Re-merge recorded samples with a label log kept by separate software",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = filepath.Join(filepath.Dir(args[0]), "relabelled.csv")
			}
			sum, err := orchestrator.NewPipeline(a.cfg, a.log).Relabel(args[0], args[1], out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records, %d label events -> %s\n", sum.Records, sum.Events, sum.Output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default relabelled.csv next to the samples)")
	return cmd
}

// --- devices ---

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List serial ports a board could be on (candidates for device.port)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := device.ListPorts(nil)
			if err != nil {
				return fmt.Errorf("list serial ports: %w", err)
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}
			for _, p := range ports {
				line := p.Name
				if p.USB {
					line += fmt.Sprintf("  usb %s:%s", p.VID, p.PID)
				}
				if p.Serial != "" {
					line += "  serial " + p.Serial
				}
				if p.Dongle {
					line += "  (OpenBCI dongle)"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// --- sessions ---

func (a *app) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect sessions stored in paths.database"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, closeDB, err := a.pipeline()
			if err != nil {
				return err
			}
			defer closeDB()
			rep, err := p.Inspect(args[0])
			if err != nil {
				return err
			}
			s := rep.Session
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s  %s  started %s\n", s.ID, s.Kind, s.StartedAt.Format(time.RFC3339))
			if s.Source != "" {
				fmt.Fprintf(w, "source     %s\n", s.Source)
			}
			switch s.Kind {
			case "record":
				fmt.Fprintf(w, "samples    %d\nlabels     %d\ngaps       %d\n", s.Samples, s.Labels, s.Gaps)
			case "prepare":
				fmt.Fprintf(w, "retained   %d\ndiscarded  %d\nstored     %d epochs\n", s.Retained, s.Discarded, rep.Epochs)
			case "live":
				fmt.Fprintf(w, "predicted  %d\nmissed     %d\n", s.Retained, s.Discarded)
				for _, l := range eeg.Labels() {
					if n := rep.Predictions[l.String()]; n > 0 {
						fmt.Fprintf(w, "  %-14s %d\n", l, n)
					}
				}
			}
			return nil
		},
	})
	return cmd
}

// --- config ---

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.Dump(cmd.OutOrStdout(), a.cfg)
		},
	})
	return cmd
}
