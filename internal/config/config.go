// Package config loads the recorder's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/amanullahtanweer/fluidy-recorder/internal/bus"
	"github.com/amanullahtanweer/fluidy-recorder/internal/capture"
	"github.com/amanullahtanweer/fluidy-recorder/internal/device"
	"github.com/amanullahtanweer/fluidy-recorder/internal/logging"
	"github.com/amanullahtanweer/fluidy-recorder/internal/server"
	"github.com/amanullahtanweer/fluidy-recorder/internal/session"
	"github.com/amanullahtanweer/fluidy-recorder/internal/transcriber"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Storage struct {
	Path         string `yaml:"path" validate:"required"`
	StateBackend string `yaml:"state_backend" validate:"oneof=sqlite redis"`
}

type Redis struct {
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
	Enabled  bool   `yaml:"-"`
}

type Capture struct {
	VideoTimeslice time.Duration `yaml:"video_timeslice" validate:"gte=0"`
	AudioTimeslice time.Duration `yaml:"audio_timeslice" validate:"gte=0"`
	ArtifactDir    string        `yaml:"artifact_dir"`
	StartTimeout   time.Duration `yaml:"start_timeout" validate:"gte=0"`
	StopTimeout    time.Duration `yaml:"stop_timeout" validate:"gte=0"`
}

type AudioSocket struct {
	// Listen is the address microphone peers connect to. Empty disables
	// the AudioSocket microphone; the virtual one is used instead.
	Listen string `yaml:"listen"`
}

type Config struct {
	Server        server.Config           `yaml:"server"`
	Logging       logging.Config          `yaml:"logging"`
	Storage       Storage                 `yaml:"storage"`
	Redis         Redis                   `yaml:"redis"`
	Bus           bus.Config              `yaml:"bus"`
	Capture       Capture                 `yaml:"capture"`
	Heartbeat     session.HeartbeatConfig `yaml:"heartbeat"`
	Transcription transcriber.Config      `yaml:"transcription"`
	AudioSocket   AudioSocket             `yaml:"audiosocket"`
	Devices       device.VirtualConfig    `yaml:"devices"`
	JournalDir    string                  `yaml:"journal_dir"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	sess := session.DefaultConfig()
	return Config{
		Server:  server.Config{Host: "127.0.0.1", Port: 8080},
		Logging: logging.Config{Level: "info"},
		Storage: Storage{Path: "data/recorder.db", StateBackend: "sqlite"},
		Redis:   Redis{Addr: "localhost:6379", Prefix: "fluidy:"},
		Bus:     bus.DefaultConfig(),
		Capture: Capture{
			VideoTimeslice: capture.VideoTimeslice,
			AudioTimeslice: capture.AudioTimeslice,
			StartTimeout:   sess.StartTimeout,
			StopTimeout:    sess.StopTimeout,
		},
		Heartbeat:     sess.Heartbeat,
		Transcription: transcriber.Config{Language: "en-US", SampleRate: 8000, DrainTimeout: transcriber.DefaultDrainTimeout},
		Devices:       device.VirtualConfig{FrameRate: 15},
		JournalDir:    "logs",
	}
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	c.Redis.Enabled = c.Storage.StateBackend == "redis"
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Transcription.Language != "" && !transcriber.IsSupportedLanguage(c.Transcription.Language) {
		return fmt.Errorf("invalid config: unsupported language %q", c.Transcription.Language)
	}
	return nil
}

func (c Config) CaptureConfig() capture.Config {
	return capture.Config{
		VideoTimeslice: c.Capture.VideoTimeslice,
		AudioTimeslice: c.Capture.AudioTimeslice,
		ArtifactDir:    c.Capture.ArtifactDir,
	}
}

// Session converts the capture and heartbeat sections for the coordinator.
func (c Config) Session() session.Config {
	return session.Config{
		StartTimeout: c.Capture.StartTimeout,
		StopTimeout:  c.Capture.StopTimeout,
		Heartbeat:    c.Heartbeat,
	}
}
