package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Device struct {
	Kind          string  `mapstructure:"kind" yaml:"kind"` // synthetic | cyton
	Port          string  `mapstructure:"port" yaml:"port"`
	BaudRate      int     `mapstructure:"baud_rate" yaml:"baud_rate"`
	Channels      int     `mapstructure:"channels" yaml:"channels"`
	SamplingRate  float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
	BufferSeconds float64 `mapstructure:"buffer_seconds" yaml:"buffer_seconds"`
	Seed          int64   `mapstructure:"seed" yaml:"seed"`
}

type Session struct {
	LabelInterval  float64 `mapstructure:"label_interval" yaml:"label_interval"`   // sec
	SampleInterval float64 `mapstructure:"sample_interval" yaml:"sample_interval"` // sec
	SourceTimeout  float64 `mapstructure:"source_timeout" yaml:"source_timeout"`   // sec
	DefaultLabel   string  `mapstructure:"default_label" yaml:"default_label"`
}

type Labels struct {
	Keys    map[string]string `mapstructure:"keys" yaml:"keys"`
	StopKey string            `mapstructure:"stop_key" yaml:"stop_key"`
}

type Notch struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	Freq    float64 `mapstructure:"freq" yaml:"freq"`
	Quality float64 `mapstructure:"quality" yaml:"quality"`
}

type Filter struct {
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Low        float64 `mapstructure:"low" yaml:"low"`
	High       float64 `mapstructure:"high" yaml:"high"`
	Order      int     `mapstructure:"order" yaml:"order"`
	Notch      Notch   `mapstructure:"notch" yaml:"notch"`
}

type Epoch struct {
	Length        float64 `mapstructure:"length" yaml:"length"` // sec
	MinSamples    int     `mapstructure:"min_samples" yaml:"min_samples"`
	MinFraction   float64 `mapstructure:"min_fraction" yaml:"min_fraction"`   // of length x observed rate
	Normalization string  `mapstructure:"normalization" yaml:"normalization"` // none | epoch
}

type Features struct {
	Kind     string `mapstructure:"kind" yaml:"kind"`         // statistical | raw
	Channels []int  `mapstructure:"channels" yaml:"channels"` // 0-based column indices; nil = all
}

type Live struct {
	EpochLength   float64 `mapstructure:"epoch_length" yaml:"epoch_length"`
	BufferEpochs  int     `mapstructure:"buffer_epochs" yaml:"buffer_epochs"`
	InputSamples  int     `mapstructure:"input_samples" yaml:"input_samples"`
	Normalization string  `mapstructure:"normalization" yaml:"normalization"`
	Deadline      float64 `mapstructure:"deadline" yaml:"deadline"` // sec, 0 = epoch length
}

type Classifier struct {
	Kind    string   `mapstructure:"kind" yaml:"kind"` // linear | http | worker
	Model   string   `mapstructure:"model" yaml:"model"`
	URL     string   `mapstructure:"url" yaml:"url"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

type MQTT struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
}

type Root struct {
	Pipeline struct {
		Name      string `mapstructure:"name" yaml:"name"`
		Version   string `mapstructure:"version" yaml:"version"`
		LogLvl    string `mapstructure:"log_level" yaml:"log_level"`
		LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	} `mapstructure:"pipeline" yaml:"pipeline"`
	Device     Device     `mapstructure:"device" yaml:"device"`
	Session    Session    `mapstructure:"session" yaml:"session"`
	Labels     Labels     `mapstructure:"labels" yaml:"labels"`
	Filter     Filter     `mapstructure:"filter" yaml:"filter"`
	Epoch      Epoch      `mapstructure:"epoch" yaml:"epoch"`
	Features   Features   `mapstructure:"features" yaml:"features"`
	Live       Live       `mapstructure:"live" yaml:"live"`
	Classifier Classifier `mapstructure:"classifier" yaml:"classifier"`
	MQTT       MQTT       `mapstructure:"mqtt" yaml:"mqtt"`
	Paths      struct {
		Data     string `mapstructure:"data" yaml:"data"`
		Models   string `mapstructure:"models" yaml:"models"`
		Outputs  string `mapstructure:"outputs" yaml:"outputs"`
		Database string `mapstructure:"database" yaml:"database"`
	} `mapstructure:"paths" yaml:"paths"`
}

// SetDefaults registers the built-in values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.name", "eeg-pipeline")
	v.SetDefault("pipeline.version", "0.1.0")
	v.SetDefault("pipeline.log_level", "info")
	v.SetDefault("pipeline.log_format", "text")

	v.SetDefault("device.kind", "synthetic")
	v.SetDefault("device.port", "/dev/ttyUSB0")
	v.SetDefault("device.baud_rate", 115200)
	v.SetDefault("device.channels", 4)
	v.SetDefault("device.sampling_rate", 200.0)
	v.SetDefault("device.buffer_seconds", 30.0)
	v.SetDefault("device.seed", 1)

	v.SetDefault("session.label_interval", 0.1)
	v.SetDefault("session.sample_interval", 0.1)
	v.SetDefault("session.source_timeout", 2.0)
	v.SetDefault("session.default_label", "nothing")

	v.SetDefault("labels.keys", map[string]string{
		"1": "left_blink",
		"2": "right_blink",
		"3": "both_blink",
		"4": "eyebrow_raise",
		"5": "nothing",
	})
	v.SetDefault("labels.stop_key", "esc")

	v.SetDefault("filter.sample_rate", 200.0)
	v.SetDefault("filter.low", 0.5)
	v.SetDefault("filter.high", 50.0)
	v.SetDefault("filter.order", 4)
	v.SetDefault("filter.notch.enabled", false)
	v.SetDefault("filter.notch.freq", 60.0)
	v.SetDefault("filter.notch.quality", 30.0)

	v.SetDefault("epoch.length", 2.0)
	v.SetDefault("epoch.min_samples", 1)
	v.SetDefault("epoch.min_fraction", 0.5)
	v.SetDefault("epoch.normalization", "none")

	v.SetDefault("features.kind", "statistical")
	v.SetDefault("features.channels", []int{1, 3})

	v.SetDefault("live.epoch_length", 2.0)
	v.SetDefault("live.buffer_epochs", 2)
	v.SetDefault("live.input_samples", 0)
	v.SetDefault("live.normalization", "epoch")
	v.SetDefault("live.deadline", 0.0)

	v.SetDefault("classifier.kind", "linear")
	v.SetDefault("classifier.model", "models/linear_model.yaml")

	v.SetDefault("mqtt.topic", "eeg/predictions")
	v.SetDefault("mqtt.client_id", "eeg-pipeline")

	v.SetDefault("paths.data", "data")
	v.SetDefault("paths.models", "models")
	v.SetDefault("paths.outputs", "outputs")
}

// New returns a viper instance with defaults and EEG_ environment overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("EEG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or the first config file found in the usual places, into
// v and decodes the result. A missing file is not an error: defaults apply.
func Load(v *viper.Viper, path string) (*Root, error) {
	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		guess := []string{
			filepath.Join("config", env, "config.yaml"),
			filepath.Join("src", "shared", "config.yaml"),
		}
		for _, p := range guess {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Root
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Root {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Root) Validate() error {
	var errs []error
	if c.Session.LabelInterval <= 0 {
		errs = append(errs, errors.New("session.label_interval must be positive"))
	}
	if c.Session.SampleInterval <= 0 {
		errs = append(errs, errors.New("session.sample_interval must be positive"))
	}
	if c.Filter.SampleRate <= 0 {
		errs = append(errs, errors.New("filter.sample_rate must be positive"))
	} else {
		nyq := c.Filter.SampleRate / 2
		if c.Filter.Low <= 0 || c.Filter.High >= nyq || c.Filter.Low >= c.Filter.High {
			errs = append(errs, fmt.Errorf("filter band %.2f-%.2f Hz outside (0, %.1f)", c.Filter.Low, c.Filter.High, nyq))
		}
		if c.Filter.Notch.Enabled && (c.Filter.Notch.Freq <= 0 || c.Filter.Notch.Freq >= nyq) {
			errs = append(errs, fmt.Errorf("filter.notch.freq %.2f outside (0, %.1f)", c.Filter.Notch.Freq, nyq))
		}
	}
	if c.Filter.Order < 1 {
		errs = append(errs, errors.New("filter.order must be at least 1"))
	}
	if c.Epoch.Length <= 0 {
		errs = append(errs, errors.New("epoch.length must be positive"))
	}
	if c.Epoch.MinFraction < 0 || c.Epoch.MinFraction > 1 {
		errs = append(errs, fmt.Errorf("epoch.min_fraction %.2f outside [0, 1]", c.Epoch.MinFraction))
	}
	for _, ch := range c.Features.Channels {
		if ch < 0 || ch >= c.Device.Channels {
			errs = append(errs, fmt.Errorf("features.channels: %d outside 0..%d (0-based, device.channels is %d)", ch, c.Device.Channels-1, c.Device.Channels))
		}
	}
	if c.Live.EpochLength <= 0 {
		errs = append(errs, errors.New("live.epoch_length must be positive"))
	}
	for _, n := range []struct{ key, val string }{
		{"epoch.normalization", c.Epoch.Normalization},
		{"live.normalization", c.Live.Normalization},
	} {
		if n.val != "none" && n.val != "epoch" {
			errs = append(errs, fmt.Errorf("%s: unknown value %q", n.key, n.val))
		}
	}
	switch c.Features.Kind {
	case "statistical", "raw":
	default:
		errs = append(errs, fmt.Errorf("features.kind: unknown value %q", c.Features.Kind))
	}
	switch c.Device.Kind {
	case "synthetic", "cyton":
	default:
		errs = append(errs, fmt.Errorf("device.kind: unknown value %q", c.Device.Kind))
	}
	return errors.Join(errs...)
}

// Dump writes the effective configuration as YAML.
func Dump(w io.Writer, c *Root) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func Seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
