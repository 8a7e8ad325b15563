// Command audioclient runs a local interview session without the service:
// audio comes from a WAV file or the microphone and committed transcript
// entries are printed as they land.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/app"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/config"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/audio"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/session"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

func main() {
	audioFile := flag.String("audio", "", "Path to a 16-bit PCM WAV file played as the microphone")
	mic := flag.String("mic", "", "Capture from the microphone via ffmpeg using this input (e.g. default)")
	provider := flag.String("provider", "", "Transport provider: mock, live, google (default from env)")
	record := flag.String("record", "", "Write the captured audio to this WAV file on exit")
	grace := flag.Duration("grace", 3*time.Second, "How long to wait for final turns after the input ends")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	cfg.Observability.LogLevel = "warn"
	cfg.Observability.LogFormat = "console"
	if *provider != "" {
		cfg.Transport.Provider = *provider
	}

	var playFor time.Duration
	switch {
	case *audioFile != "":
		cfg.Audio.Device = "wav"
		cfg.Audio.Input = *audioFile
		cfg.Audio.WAVRealtime = true
		info, err := wavInfo(*audioFile)
		if err != nil {
			log.Fatalf("Failed to read WAV file: %v", err)
		}
		playFor = info.Duration()
		log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d duration=%v",
			info.Channels, info.SampleRate, info.BitsPerSample, playFor)
	case *mic != "":
		cfg.Audio.Device = "ffmpeg"
		cfg.Audio.Input = *mic
	default:
		cfg.Audio.Device = "none"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	tr, err := app.NewTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("Transport: %v", err)
	}
	dev, err := app.NewDevice(cfg.Audio)
	if err != nil {
		log.Fatalf("Device: %v", err)
	}
	rec := &recordingDevice{Device: dev}

	out := &printer{ended: make(chan struct{})}
	ctrl := session.New(tr, rec, app.SessionConfig(cfg), out)
	defer ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ConnectTimeout+5*time.Second)
	err = ctrl.Connect(ctx)
	cancel()
	if err != nil {
		log.Printf("Connect: %v", err)
		if st, serr := ctrl.Status(context.Background()); serr != nil || !st.Degraded {
			os.Exit(1)
		}
		log.Println("Continuing without microphone")
	}
	log.Printf("Connected via %s, Ctrl-C to stop", tr.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var endOfInput <-chan time.Time
	if playFor > 0 {
		endOfInput = time.After(playFor + *grace)
	}
	select {
	case <-sig:
	case <-endOfInput:
		log.Println("Input finished")
	case <-out.ended:
		log.Println("Session closed by remote")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Disconnect(ctx); err != nil {
		log.Printf("Disconnect: %v", err)
	}

	entries := ctrl.Transcript()
	log.Printf("Session complete: %d entries", len(entries))

	if *record != "" {
		if err := rec.save(*record); err != nil {
			log.Fatalf("Failed to write recording: %v", err)
		}
		log.Printf("Recording written to %s", *record)
	}
}

func wavInfo(path string) (audio.WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.WAVInfo{}, err
	}
	defer f.Close()
	return audio.ReadWAVHeader(f)
}

// printer writes committed entries to stdout.
type printer struct {
	once  sync.Once
	ended chan struct{}
}

func (p *printer) OnPartial(string, transcript.Speaker, string) {}

func (p *printer) OnCommit(_ string, e transcript.Entry) {
	fmt.Printf("[%s] %-5s %s\n", e.Timestamp.Format("15:04:05"), e.Speaker, e.Text)
}

func (p *printer) OnStateChange(c session.StateChange) {
	if c.Err != nil {
		log.Printf("State %s -> %s: %v", c.From, c.To, c.Err)
	}
	if c.From.Active() && c.To == session.StateDisconnected {
		p.once.Do(func() { close(p.ended) })
	}
}

// recordingDevice keeps a copy of every sample read from the wrapped
// device at its native rate.
type recordingDevice struct {
	audio.Device

	mu      sync.Mutex
	rate    int
	samples []int16
}

func (d *recordingDevice) Open(ctx context.Context) (audio.Input, error) {
	in, err := d.Device.Open(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.rate = in.SampleRate()
	d.mu.Unlock()
	return &recordingInput{Input: in, dev: d}, nil
}

func (d *recordingDevice) save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rate == 0 {
		return fmt.Errorf("nothing captured")
	}
	data, err := audio.EncodeWAV(d.samples, d.rate)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type recordingInput struct {
	audio.Input
	dev *recordingDevice
}

func (r *recordingInput) Read(p []int16) (int, error) {
	n, err := r.Input.Read(p)
	if n > 0 {
		r.dev.mu.Lock()
		r.dev.samples = append(r.dev.samples, p[:n]...)
		r.dev.mu.Unlock()
	}
	return n, err
}
