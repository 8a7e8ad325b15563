package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/logging"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/observability/metrics"
)

var ErrAlreadyStarted = errors.New("capture already started")

// Config controls frame shaping.
type Config struct {
	SampleRate   int
	FrameSamples int
	// ReadMillis is how much native audio each device read asks for.
	ReadMillis int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:   SampleRate,
		FrameSamples: FrameSamples,
		ReadMillis:   50,
	}
}

// Capture reads a Device, resamples to the output rate and emits fixed-size
// frames. One Capture serves one session; the device handle it opens is
// released on every exit path.
type Capture struct {
	device Device
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	input   *closeOnce
	done    chan struct{}
	err     error

	captured atomic.Uint64
	dropped  atomic.Uint64
}

func NewCapture(device Device, cfg Config) *Capture {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = def.FrameSamples
	}
	if cfg.ReadMillis <= 0 {
		cfg.ReadMillis = def.ReadMillis
	}
	return &Capture{
		device: device,
		cfg:    cfg,
		log:    logging.WithComponent("audio-capture"),
	}
}

// Start opens the device and begins producing frames. The returned channel
// holds at most one frame; it is closed when capture ends for any reason.
// Open failures are reported as ErrDevice.
func (c *Capture) Start(ctx context.Context) (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil, ErrAlreadyStarted
	}
	if c.device == nil {
		return nil, fmt.Errorf("%w: no capture device configured", ErrDevice)
	}

	ctx, cancel := context.WithCancel(ctx)
	in, err := c.device.Open(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, ErrDevice) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}

	rate := in.SampleRate()
	if rate <= 0 {
		in.Close()
		cancel()
		return nil, fmt.Errorf("%w: invalid native sample rate %d", ErrDevice, rate)
	}

	frames := make(chan Frame, 1)
	c.input = &closeOnce{Input: in}
	c.cancel = cancel
	c.done = make(chan struct{})
	c.err = nil
	c.running = true

	c.log.Info().
		Int("nativeRate", rate).
		Int("sampleRate", c.cfg.SampleRate).
		Int("frameSamples", c.cfg.FrameSamples).
		Msg("Audio capture started")

	go c.run(ctx, c.input, rate, frames, c.done)
	return frames, nil
}

// Stop cancels capture, releases the device and waits for the capture
// goroutine to exit. Safe to call more than once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, in, done := c.cancel, c.input, c.done
	c.mu.Unlock()

	cancel()
	err := in.Close()
	<-done

	c.log.Info().
		Uint64("captured", c.captured.Load()).
		Uint64("dropped", c.dropped.Load()).
		Msg("Audio capture stopped")
	return err
}

// Err returns the error that ended capture, or nil for a clean stop or end
// of input. Only meaningful after the frame channel is closed.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) Captured() uint64 { return c.captured.Load() }
func (c *Capture) Dropped() uint64  { return c.dropped.Load() }

func (c *Capture) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Capture) run(ctx context.Context, in Input, rate int, frames chan Frame, done chan struct{}) {
	defer close(done)
	defer close(frames)
	defer in.Close()

	resampler := NewResampler(rate, c.cfg.SampleRate)
	size := c.cfg.FrameSamples
	chunk := make([]int16, max(rate*c.cfg.ReadMillis/1000, 1))
	pending := make([]int16, 0, size*2)
	var seq uint64

	emit := func(samples []int16) {
		seq++
		c.push(frames, Frame{Seq: seq, Samples: samples})
	}

	for {
		n, err := in.Read(chunk)
		if n > 0 {
			pending = append(pending, resampler.Process(chunk[:n])...)
			for len(pending) >= size {
				samples := make([]int16, size)
				copy(samples, pending[:size])
				pending = pending[:copy(pending, pending[size:])]
				emit(samples)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// Pad the tail with silence so trailing speech is still sent.
			if len(pending) > 0 {
				samples := make([]int16, size)
				copy(samples, pending)
				emit(samples)
			}
			c.log.Info().Uint64("frames", seq).Msg("Audio input ended")
			return
		}
		c.setErr(fmt.Errorf("%w: %w", ErrDevice, err))
		c.log.Error().Err(err).Msg("Audio capture failed")
		return
	}
}

// push delivers f without ever blocking. When the consumer has not taken
// the previous frame yet, that stale frame is replaced by f.
func (c *Capture) push(frames chan Frame, f Frame) {
	c.captured.Add(1)
	metrics.DefaultMetrics.RecordFrameCaptured()

	select {
	case frames <- f:
		return
	default:
	}

	select {
	case <-frames:
		c.dropped.Add(1)
		metrics.DefaultMetrics.RecordFrameDropped("capture")
	default:
	}

	select {
	case frames <- f:
	default:
		c.dropped.Add(1)
		metrics.DefaultMetrics.RecordFrameDropped("capture")
	}
}
