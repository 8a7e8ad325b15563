// Package config loads service configuration from defaults, an optional
// YAML or TOML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLiveURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultLiveModel = "models/gemini-2.0-flash-live-001"
	DefaultLiveVoice = "Puck"

	DefaultSystemInstruction = "You are an experienced product management interviewer. " +
		"Ask one behavioural or product-sense question at a time, listen to the full answer, " +
		"and follow up on vague points before moving on."
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service" toml:"service"`
	Transport     TransportConfig     `yaml:"transport" toml:"transport"`
	Audio         AudioConfig         `yaml:"audio" toml:"audio"`
	Session       SessionConfig       `yaml:"session" toml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka" toml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal       string        `yaml:"principal" toml:"principal"`
	HTTPPort        string        `yaml:"httpPort" toml:"httpPort"`
	GRPCPort        string        `yaml:"grpcPort" toml:"grpcPort"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout"`
}

// TransportConfig selects and configures the realtime backend.
type TransportConfig struct {
	Provider          string        `yaml:"provider" toml:"provider"` // mock, live, google
	LanguageCode      string        `yaml:"languageCode" toml:"languageCode"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout" toml:"connectTimeout"`
	LiveURL           string        `yaml:"liveUrl" toml:"liveUrl"`
	APIKey            string        `yaml:"-" toml:"-"`
	Model             string        `yaml:"model" toml:"model"`
	Voice             string        `yaml:"voice" toml:"voice"`
	SystemInstruction string        `yaml:"systemInstruction" toml:"systemInstruction"`
	SpeechEndTimeout  time.Duration `yaml:"speechEndTimeout" toml:"speechEndTimeout"`
	MockWordDelay     time.Duration `yaml:"mockWordDelay" toml:"mockWordDelay"`
}

// AudioConfig selects the capture device and frame shape.
type AudioConfig struct {
	Device       string `yaml:"device" toml:"device"` // none, wav, ffmpeg, arecord
	Input        string `yaml:"input" toml:"input"`
	FFmpegFormat string `yaml:"ffmpegFormat" toml:"ffmpegFormat"`
	NativeRate   int    `yaml:"nativeRate" toml:"nativeRate"`
	SampleRate   int    `yaml:"sampleRate" toml:"sampleRate"`
	FrameSamples int    `yaml:"frameSamples" toml:"frameSamples"`
	WAVRealtime  bool   `yaml:"wavRealtime" toml:"wavRealtime"`
}

// SessionConfig holds commit policy settings.
type SessionConfig struct {
	QuietPeriod time.Duration `yaml:"quietPeriod" toml:"quietPeriod"`
	// Kickoff overrides the opening text turn; KickoffDisabled suppresses it.
	Kickoff         string `yaml:"kickoff" toml:"kickoff"`
	KickoffDisabled bool   `yaml:"kickoffDisabled" toml:"kickoffDisabled"`
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	Brokers         []string `yaml:"brokers" toml:"brokers"`
	TopicPartial    string   `yaml:"topicPartial" toml:"topicPartial"`
	TopicCommitted  string   `yaml:"topicCommitted" toml:"topicCommitted"`
	TopicState      string   `yaml:"topicState" toml:"topicState"`
	Principal       string   `yaml:"principal" toml:"principal"`
	PublishPartials bool     `yaml:"publishPartials" toml:"publishPartials"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"logLevel" toml:"logLevel"`
	LogFormat   string `yaml:"logFormat" toml:"logFormat"`
	MetricsPort string `yaml:"metricsPort" toml:"metricsPort"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:       "svc-interview-engine",
			HTTPPort:        "8080",
			GRPCPort:        "50051",
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Provider:          "mock",
			LanguageCode:      "en-US",
			ConnectTimeout:    15 * time.Second,
			LiveURL:           DefaultLiveURL,
			Model:             DefaultLiveModel,
			Voice:             DefaultLiveVoice,
			SystemInstruction: DefaultSystemInstruction,
			MockWordDelay:     60 * time.Millisecond,
		},
		Audio: AudioConfig{
			Device:       "none",
			FFmpegFormat: "pulse",
			NativeRate:   16000,
			SampleRate:   16000,
			FrameSamples: 4096,
			WAVRealtime:  true,
		},
		Session: SessionConfig{
			QuietPeriod: 1500 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			TopicPartial:    "interview.transcript.partial",
			TopicCommitted:  "interview.transcript.committed",
			TopicState:      "interview.session.state",
			PublishPartials: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: "9090",
		},
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() *Config {
	cfg := Defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile overlays a YAML (or, by .toml extension, TOML) file on the
// defaults, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.Principal = envOrDefault("SERVICE_PRINCIPAL", s.Principal)
	s.HTTPPort = envOrDefault("HTTP_PORT", s.HTTPPort)
	s.GRPCPort = envOrDefault("GRPC_PORT", s.GRPCPort)
	s.ShutdownTimeout = envOrDefaultDuration("SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	t := &cfg.Transport
	t.Provider = strings.ToLower(envOrDefault("TRANSPORT_PROVIDER", t.Provider))
	t.LanguageCode = envOrDefault("TRANSPORT_LANGUAGE_CODE", t.LanguageCode)
	t.ConnectTimeout = envOrDefaultDuration("TRANSPORT_CONNECT_TIMEOUT", t.ConnectTimeout)
	t.LiveURL = envOrDefault("LIVE_URL", t.LiveURL)
	t.APIKey = envOrDefault("LIVE_API_KEY", envOrDefault("GEMINI_API_KEY", t.APIKey))
	t.Model = envOrDefault("LIVE_MODEL", t.Model)
	t.Voice = envOrDefault("LIVE_VOICE", t.Voice)
	t.SystemInstruction = envOrDefault("LIVE_SYSTEM_INSTRUCTION", t.SystemInstruction)
	t.SpeechEndTimeout = envOrDefaultDuration("GOOGLE_SPEECH_END_TIMEOUT", t.SpeechEndTimeout)
	t.MockWordDelay = envOrDefaultDuration("MOCK_WORD_DELAY", t.MockWordDelay)

	a := &cfg.Audio
	a.Device = strings.ToLower(envOrDefault("AUDIO_DEVICE", a.Device))
	a.Input = envOrDefault("AUDIO_INPUT", a.Input)
	a.FFmpegFormat = envOrDefault("AUDIO_FFMPEG_FORMAT", a.FFmpegFormat)
	a.NativeRate = envOrDefaultInt("AUDIO_NATIVE_RATE", a.NativeRate)
	a.SampleRate = envOrDefaultInt("AUDIO_SAMPLE_RATE", a.SampleRate)
	a.FrameSamples = envOrDefaultInt("AUDIO_FRAME_SAMPLES", a.FrameSamples)
	a.WAVRealtime = envOrDefaultBool("AUDIO_WAV_REALTIME", a.WAVRealtime)

	se := &cfg.Session
	se.QuietPeriod = envOrDefaultDuration("SESSION_QUIET_PERIOD", se.QuietPeriod)
	se.Kickoff = envOrDefault("SESSION_KICKOFF", se.Kickoff)
	se.KickoffDisabled = envOrDefaultBool("SESSION_KICKOFF_DISABLED", se.KickoffDisabled)

	k := &cfg.Kafka
	k.Enabled = envOrDefaultBool("KAFKA_ENABLED", k.Enabled)
	k.Brokers = envList("KAFKA_BROKERS", k.Brokers)
	k.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", k.TopicPartial)
	k.TopicCommitted = envOrDefault("KAFKA_TOPIC_COMMITTED", k.TopicCommitted)
	k.TopicState = envOrDefault("KAFKA_TOPIC_STATE", k.TopicState)
	k.PublishPartials = envOrDefaultBool("KAFKA_PUBLISH_PARTIALS", k.PublishPartials)
	// Kafka principal falls back to the service principal.
	if k.Principal == "" {
		k.Principal = s.Principal
	}
	k.Principal = envOrDefault("KAFKA_PRINCIPAL", k.Principal)

	o := &cfg.Observability
	o.LogLevel = envOrDefault("LOG_LEVEL", o.LogLevel)
	o.LogFormat = envOrDefault("LOG_FORMAT", o.LogFormat)
	o.MetricsPort = envOrDefault("METRICS_PORT", o.MetricsPort)
}

// Validate checks settings the engine cannot run without.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Provider {
	case "mock", "google":
	case "live":
		if c.Transport.APIKey == "" {
			errs = append(errs, errors.New("live transport requires LIVE_API_KEY"))
		}
		if c.Transport.LiveURL == "" {
			errs = append(errs, errors.New("live transport requires a URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport provider %q", c.Transport.Provider))
	}

	switch c.Audio.Device {
	case "none":
	case "wav":
		if c.Audio.Input == "" {
			errs = append(errs, errors.New("wav device requires AUDIO_INPUT"))
		}
	case "ffmpeg", "arecord":
		if c.Audio.NativeRate <= 0 {
			errs = append(errs, fmt.Errorf("native rate must be positive, got %d", c.Audio.NativeRate))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audio device %q", c.Audio.Device))
	}

	if c.Audio.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("sample rate must be 16000, got %d", c.Audio.SampleRate))
	}
	if c.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("frame samples must be positive, got %d", c.Audio.FrameSamples))
	}
	if c.Session.QuietPeriod <= 0 {
		errs = append(errs, fmt.Errorf("quiet period must be positive, got %v", c.Session.QuietPeriod))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka enabled without brokers"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
