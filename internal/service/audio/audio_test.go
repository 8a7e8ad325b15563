package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"
)

// fakeDevice serves a fixed sample slice, optionally failing at the end.
type fakeDevice struct {
	rate    int
	samples []int16
	endErr  error
	openErr error
	block   bool

	mu     sync.Mutex
	opened int
	closed int
}

func (d *fakeDevice) Open(ctx context.Context) (Input, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &fakeInput{dev: d, unblock: make(chan struct{})}, nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeInput struct {
	dev     *fakeDevice
	pos     int
	unblock chan struct{}
	once    sync.Once
}

func (f *fakeInput) SampleRate() int { return f.dev.rate }

func (f *fakeInput) Read(p []int16) (int, error) {
	if f.pos >= len(f.dev.samples) {
		if f.dev.block {
			<-f.unblock
			return 0, io.ErrClosedPipe
		}
		if f.dev.endErr != nil {
			return 0, f.dev.endErr
		}
		return 0, io.EOF
	}
	n := copy(p, f.dev.samples[f.pos:])
	f.pos += n
	return n, nil
}

func (f *fakeInput) Close() error {
	f.once.Do(func() {
		close(f.unblock)
		f.dev.mu.Lock()
		f.dev.closed++
		f.dev.mu.Unlock()
	})
	return nil
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i % 1000)
	}
	return out
}

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("timed out waiting for frames channel to close")
			return out
		}
	}
}

func TestFrame_Encoding(t *testing.T) {
	f := Frame{Samples: []int16{1, -1, 256}}

	want := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x01}
	if got := f.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got := f.Base64(); got != base64.StdEncoding.EncodeToString(want) {
		t.Errorf("unexpected base64 %q", got)
	}

	full := Frame{Samples: make([]int16, FrameSamples)}
	if full.Duration() != 256*time.Millisecond {
		t.Errorf("expected 256ms, got %v", full.Duration())
	}
}

func TestResampler_Identity(t *testing.T) {
	r := NewResampler(16000, 16000)
	in := []int16{1, 2, 3}
	out := r.Process(in)
	if len(out) != 3 || out[2] != 3 {
		t.Errorf("expected copy of input, got %v", out)
	}
	in[0] = 99
	if out[0] != 1 {
		t.Error("expected output not to alias input")
	}
}

func TestResampler_Ratios(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
		input    int
		chunk    int
	}{
		{"48k to 16k single chunk", 48000, 16000, 48000, 48000},
		{"48k to 16k small chunks", 48000, 16000, 48000, 480},
		{"44.1k to 16k", 44100, 16000, 44100, 441},
		{"8k to 16k", 8000, 16000, 8000, 160},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResampler(tt.from, tt.to)
			in := ramp(tt.input)
			total := 0
			for i := 0; i < len(in); i += tt.chunk {
				end := min(i+tt.chunk, len(in))
				total += len(r.Process(in[i:end]))
			}
			want := tt.input * tt.to / tt.from
			if diff := total - want; diff < -2 || diff > 2 {
				t.Errorf("expected about %d samples, got %d", want, total)
			}
		})
	}
}

func TestResampler_ChunkingMatchesWhole(t *testing.T) {
	in := ramp(4800)

	whole := NewResampler(48000, 16000).Process(in)

	chunked := NewResampler(48000, 16000)
	var parts []int16
	for i := 0; i < len(in); i += 77 {
		end := min(i+77, len(in))
		parts = append(parts, chunked.Process(in[i:end])...)
	}

	if len(parts) != len(whole) {
		t.Fatalf("expected %d samples, got %d", len(whole), len(parts))
	}
	for i := range whole {
		if parts[i] != whole[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, whole[i], parts[i])
		}
	}
}

func TestResampler_Interpolates(t *testing.T) {
	r := NewResampler(8000, 16000)
	out := r.Process([]int16{0, 100, 200})
	want := []int16{0, 50, 100, 150}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], out[i])
		}
	}
}

func TestCapture_ProducesFixedFrames(t *testing.T) {
	dev := &fakeDevice{rate: 16000, samples: ramp(FrameSamples*3 + 100)}
	c := NewCapture(dev, Config{})

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collect(t, frames)
	if c.Err() != nil {
		t.Errorf("expected clean end of input, got %v", c.Err())
	}
	if len(got)+int(c.Dropped()) != 4 {
		t.Errorf("expected 4 frames produced (3 full + padded tail), got %d delivered and %d dropped", len(got), c.Dropped())
	}
	for _, f := range got {
		if len(f.Samples) != FrameSamples {
			t.Errorf("expected %d samples, got %d", FrameSamples, len(f.Samples))
		}
	}
	if dev.closeCount() != 1 {
		t.Errorf("expected device closed once, got %d", dev.closeCount())
	}
	if err := c.Stop(); err != nil {
		t.Errorf("unexpected stop error: %v", err)
	}
}

func TestCapture_DropsWhenConsumerSlow(t *testing.T) {
	dev := &fakeDevice{rate: 16000, samples: ramp(FrameSamples * 10)}
	c := NewCapture(dev, Config{})

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Do not read until every stale frame has been replaced.
	deadline := time.Now().Add(2 * time.Second)
	for c.Dropped() < 9 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := collect(t, frames)
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 buffered frame, got %d", len(got))
	}
	if got[0].Seq != 10 {
		t.Errorf("expected the most recent frame (seq 10), got seq %d", got[0].Seq)
	}
	if c.Dropped() != 9 {
		t.Errorf("expected 9 dropped frames, got %d", c.Dropped())
	}
	c.Stop()
}

func TestCapture_OpenFailureIsDeviceError(t *testing.T) {
	tests := []struct {
		name   string
		device Device
	}{
		{"nil device", nil},
		{"no device", NoDevice{}},
		{"permission denied", &fakeDevice{openErr: os.ErrPermission}},
		{"bad rate", &fakeDevice{rate: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCapture(tt.device, Config{})
			frames, err := c.Start(context.Background())
			if !errors.Is(err, ErrDevice) {
				t.Errorf("expected ErrDevice, got %v", err)
			}
			if frames != nil {
				t.Error("expected no frame channel on failure")
			}
			if err := c.Stop(); err != nil {
				t.Errorf("expected stop after failed start to be a no-op, got %v", err)
			}
		})
	}

	bad := &fakeDevice{rate: 0}
	NewCapture(bad, Config{}).Start(context.Background())
	if bad.closeCount() != 1 {
		t.Errorf("expected input released after invalid rate, got %d closes", bad.closeCount())
	}
}

func TestCapture_ReadErrorReported(t *testing.T) {
	revoked := errors.New("device revoked")
	dev := &fakeDevice{rate: 16000, samples: ramp(10), endErr: revoked}
	c := NewCapture(dev, Config{})

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collect(t, frames)

	if !errors.Is(c.Err(), ErrDevice) || !errors.Is(c.Err(), revoked) {
		t.Errorf("expected ErrDevice wrapping revoked, got %v", c.Err())
	}
	if dev.closeCount() != 1 {
		t.Errorf("expected device released, got %d closes", dev.closeCount())
	}
}

func TestCapture_StopReleasesBlockedDevice(t *testing.T) {
	dev := &fakeDevice{rate: 16000, block: true}
	c := NewCapture(dev, Config{})

	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if _, ok := <-frames; ok {
		t.Error("expected frames channel closed after stop")
	}
	if dev.closeCount() != 1 {
		t.Errorf("expected device closed once, got %d", dev.closeCount())
	}
	if c.Err() != nil {
		t.Errorf("expected no error after deliberate stop, got %v", c.Err())
	}
	c.Stop()
}

func TestWAV_RoundTrip(t *testing.T) {
	samples := []int16{100, -200, 300, -400, 500}
	data, err := EncodeWAV(samples, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	if len(data) != 44+len(samples)*2 {
		t.Errorf("expected %d bytes, got %d", 44+len(samples)*2, len(data))
	}

	r := bytes.NewReader(data)
	info, err := ReadWAVHeader(r)
	if err != nil {
		t.Fatalf("ReadWAVHeader failed: %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 1 || info.BitsPerSample != 16 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.DataSize != uint32(len(samples)*2) {
		t.Errorf("expected data size %d, got %d", len(samples)*2, info.DataSize)
	}

	out := make([]int16, 10)
	n, _ := newPCMReader(r).Read(out)
	if n != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), n)
	}
	for i := range samples {
		if out[i] != samples[i] {
			t.Errorf("sample %d: expected %d, got %d", i, samples[i], out[i])
		}
	}
}

func TestWAV_InvalidInput(t *testing.T) {
	if _, err := EncodeWAV(nil, 8000); err == nil {
		t.Error("expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := ReadWAVHeader(bytes.NewReader([]byte{1, 2, 3})); !errors.Is(err, ErrInvalidWAV) {
		t.Errorf("expected ErrInvalidWAV for short data, got %v", err)
	}
	fake := make([]byte, 50)
	copy(fake, "FAKE")
	if _, err := ReadWAVHeader(bytes.NewReader(fake)); !errors.Is(err, ErrInvalidWAV) {
		t.Errorf("expected ErrInvalidWAV for bad marker, got %v", err)
	}
}

func TestWAVDevice_CaptureEndToEnd(t *testing.T) {
	// One second at 48 kHz resamples to 16000 samples: 3 full frames plus
	// a padded tail.
	data, err := EncodeWAV(ramp(48000), 48000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "interview.wav")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c := NewCapture(&WAVDevice{Path: path}, Config{})
	frames, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var total int
	for f := range frames {
		total++
		if len(f.Samples) != FrameSamples {
			t.Errorf("expected %d samples, got %d", FrameSamples, len(f.Samples))
		}
	}
	if total+int(c.Dropped()) != 4 {
		t.Errorf("expected 4 frames, got %d delivered and %d dropped", total, c.Dropped())
	}
	if c.Err() != nil {
		t.Errorf("unexpected error: %v", c.Err())
	}
}

func TestWAVDevice_MissingFile(t *testing.T) {
	c := NewCapture(&WAVDevice{Path: filepath.Join(t.TempDir(), "missing.wav")}, Config{})
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrDevice) {
		t.Errorf("expected ErrDevice, got %v", err)
	}
}

func TestPCMReader_OddBytes(t *testing.T) {
	// 0x0102 then 0x0304 split across reads with an odd boundary.
	r := newPCMReader(io.MultiReader(
		bytes.NewReader([]byte{0x02}),
		bytes.NewReader([]byte{0x01, 0x04, 0x03}),
	))
	out := make([]int16, 4)
	var got []int16
	for {
		n, err := r.Read(out)
		got = append(got, out[:n]...)
		if err == io.EOF {
			break
		}
	}
	if len(got) != 2 || got[0] != 0x0102 || got[1] != 0x0304 {
		t.Errorf("expected [258 772], got %v", got)
	}
}

func TestWAVInput_StereoAcrossShortReads(t *testing.T) {
	frames := [][2]int16{{100, 300}, {-50, -150}, {10, 30}, {7, 9}}
	var raw []byte
	for _, f := range frames {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(f[0]))
		raw = binary.LittleEndian.AppendUint16(raw, uint16(f[1]))
	}

	// One byte per read splits every frame across calls.
	in := &wavInput{
		pcm:      newPCMReader(iotest.OneByteReader(bytes.NewReader(raw))),
		channels: 2,
		rate:     16000,
	}
	out := make([]int16, 3)
	var got []int16
	for i := 0; i < 100; i++ {
		n, err := in.Read(out)
		got = append(got, out[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	want := []int16{200, -100, 20, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}
