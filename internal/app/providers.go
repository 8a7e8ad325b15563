package app

import (
	"fmt"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/config"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport/google"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport/live"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transport/mock"
)

// NewTransport builds the transport named by cfg.Provider.
func NewTransport(cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Provider {
	case "mock":
		opts := mock.DefaultOptions()
		if cfg.MockWordDelay > 0 {
			opts.WordDelay = cfg.MockWordDelay
		}
		return mock.New(opts), nil
	case "live":
		opts := live.DefaultOptions()
		opts.URL = cfg.LiveURL
		opts.APIKey = cfg.APIKey
		if cfg.ConnectTimeout > 0 {
			opts.SetupTimeout = cfg.ConnectTimeout
		}
		return live.New(opts), nil
	case "google":
		gc := google.DefaultConfig()
		if cfg.LanguageCode != "" {
			gc.LanguageCode = cfg.LanguageCode
		}
		gc.SpeechEndTimeout = cfg.SpeechEndTimeout
		return google.New(gc), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport provider %q", config.ErrInvalidConfig, cfg.Provider)
	}
}

// NewDevice builds the microphone source named by cfg.Device.
func NewDevice(cfg config.AudioConfig) (audio.Device, error) {
	switch cfg.Device {
	case "none":
		return audio.NoDevice{}, nil
	case "wav":
		return &audio.WAVDevice{Path: cfg.Input, Realtime: cfg.WAVRealtime}, nil
	case "ffmpeg":
		return audio.FFmpegDevice(cfg.FFmpegFormat, cfg.Input, cfg.NativeRate), nil
	case "arecord":
		return audio.ArecordDevice(cfg.Input, cfg.NativeRate), nil
	default:
		return nil, fmt.Errorf("%w: unknown audio device %q", config.ErrInvalidConfig, cfg.Device)
	}
}

// SessionConfig maps service configuration onto controller settings.
// Model, voice and instruction only mean something to the live provider.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.QuietPeriod = cfg.Session.QuietPeriod
	sc.ConnectTimeout = cfg.Transport.ConnectTimeout

	switch {
	case cfg.Session.KickoffDisabled:
		sc.Kickoff = ""
	case cfg.Session.Kickoff != "":
		sc.Kickoff = cfg.Session.Kickoff
	}

	sc.Transport = transport.Config{
		SampleRate:   cfg.Audio.SampleRate,
		LanguageCode: cfg.Transport.LanguageCode,
	}
	if cfg.Transport.Provider == "live" {
		sc.Transport.Model = cfg.Transport.Model
		sc.Transport.Voice = cfg.Transport.Voice
		sc.Transport.SystemInstruction = cfg.Transport.SystemInstruction
	}

	if cfg.Audio.SampleRate > 0 {
		sc.Audio.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Audio.FrameSamples > 0 {
		sc.Audio.FrameSamples = cfg.Audio.FrameSamples
	}
	return sc
}
