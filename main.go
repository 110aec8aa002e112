package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/maastricht-university/eeg-pipeline/config"
)

// app carries what every command needs once the config is loaded.
type app struct {
	v   *viper.Viper
	cfg *cfg.Root
	log *logrus.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{v: cfg.New(), log: logrus.New()}
	if err := a.root().ExecuteContext(ctx); err != nil {
		a.log.WithError(err).Error("eeg-pipeline failed")
		stop()
		os.Exit(1)
	}
}

func (a *app) root() *cobra.Command {
	var path string
	root := &cobra.Command{
		Use:           "eeg-pipeline",
		Short:         "Record, prepare and classify labelled EEG sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := cfg.Load(a.v, path)
			if err != nil {
				return err
			}
			a.cfg = c
			return a.setupLogging()
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&path, "config", "", "config file (default config/$CONFIG_ENV/config.yaml)")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("log-format", "", "text or json")
	_ = a.v.BindPFlag("pipeline.log_level", f.Lookup("log-level"))
	_ = a.v.BindPFlag("pipeline.log_format", f.Lookup("log-format"))

	root.AddCommand(
		a.recordCmd(),
		a.combineCmd(),
		a.filterCmd(),
		a.epochsCmd(),
		a.liveCmd(),
		a.plotCmd(),
		a.relabelCmd(),
		a.devicesCmd(),
		a.sessionsCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) setupLogging() error {
	lvl, err := logrus.ParseLevel(a.cfg.Pipeline.LogLvl)
	if err != nil {
		return err
	}
	a.log.SetLevel(lvl)
	if strings.EqualFold(a.cfg.Pipeline.LogFormat, "json") {
		a.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		a.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	a.log.WithFields(logrus.Fields{
		"name":    a.cfg.Pipeline.Name,
		"version": a.cfg.Pipeline.Version,
	}).Debug("config loaded")
	return nil
}
