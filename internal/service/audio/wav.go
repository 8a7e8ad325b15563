package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var ErrInvalidWAV = errors.New("invalid WAV data")

// WAVInfo describes a PCM WAV stream.
type WAVInfo struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// Duration is the playback length of the data chunk.
func (i WAVInfo) Duration() time.Duration {
	bytesPerSec := int64(i.SampleRate) * int64(i.Channels) * int64(i.BitsPerSample/8)
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(int64(i.DataSize) * int64(time.Second) / bytesPerSec)
}

// ReadWAVHeader walks the RIFF chunks of r up to the start of the data
// chunk. On success r is positioned at the first sample.
func ReadWAVHeader(r io.Reader) (WAVInfo, error) {
	var info WAVInfo

	riff := make([]byte, 12)
	if _, err := io.ReadFull(r, riff); err != nil {
		return info, fmt.Errorf("%w: short header: %w", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, fmt.Errorf("%w: missing RIFF/WAVE marker", ErrInvalidWAV)
	}

	haveFmt := false
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return info, fmt.Errorf("%w: no data chunk: %w", ErrInvalidWAV, err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("%w: fmt chunk too small (%d)", ErrInvalidWAV, size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return info, fmt.Errorf("%w: fmt chunk: %w", ErrInvalidWAV, err)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			info.Channels = binary.LittleEndian.Uint16(body[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return info, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			info.DataSize = size
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return info, fmt.Errorf("%w: skipping %q chunk: %w", ErrInvalidWAV, id, err)
			}
		}
	}
}

// EncodeWAV writes mono PCM16 samples as a canonical 44-byte-header WAV.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrInvalidWAV)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, sampleRate)
	}

	dataSize := len(samples) * 2
	out := make([]byte, 44+dataSize)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:34], 2)
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(s))
	}
	return out, nil
}

// WAVDevice plays a 16-bit PCM WAV file as if it were a microphone.
// Multichannel files are down-mixed to mono. With Realtime set, reads are
// paced to the file's sample rate.
type WAVDevice struct {
	Path     string
	Realtime bool
}

func (d *WAVDevice) Open(ctx context.Context) (Input, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	info, err := ReadWAVHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrDevice, d.Path, err)
	}
	if info.AudioFormat != 1 || info.BitsPerSample != 16 || info.Channels == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s: only 16-bit PCM supported (format=%d bits=%d channels=%d)",
			ErrDevice, d.Path, info.AudioFormat, info.BitsPerSample, info.Channels)
	}

	return &wavInput{
		ctx:      ctx,
		file:     f,
		pcm:      newPCMReader(io.LimitReader(f, int64(info.DataSize))),
		channels: int(info.Channels),
		rate:     int(info.SampleRate),
		realtime: d.Realtime,
		started:  time.Now(),
	}, nil
}

type wavInput struct {
	ctx      context.Context
	file     *os.File
	pcm      *pcmReader
	channels int
	rate     int
	scratch  []int16
	// carry holds the samples of a frame split across reads.
	carry    []int16
	realtime bool
	started  time.Time
	played   int64
}

func (w *wavInput) SampleRate() int { return w.rate }

func (w *wavInput) Read(p []int16) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.channels == 1 {
		n, err := w.pcm.Read(p)
		return n, w.pace(n, err)
	}

	need := len(p) * w.channels
	if cap(w.scratch) < need {
		w.scratch = make([]int16, need)
	}
	buf := w.scratch[:need]
	k := copy(buf, w.carry)
	w.carry = w.carry[:0]
	got, err := w.pcm.Read(buf[k:])
	total := k + got
	n := total / w.channels
	for i := 0; i < n; i++ {
		sum := 0
		for ch := 0; ch < w.channels; ch++ {
			sum += int(buf[i*w.channels+ch])
		}
		p[i] = int16(sum / w.channels)
	}
	w.carry = append(w.carry, buf[n*w.channels:total]...)
	return n, w.pace(n, err)
}

func (w *wavInput) pace(n int, err error) error {
	if !w.realtime || n == 0 {
		return err
	}
	w.played += int64(n)
	due := w.started.Add(time.Duration(w.played * int64(time.Second) / int64(w.rate)))
	wait := time.Until(due)
	if wait <= 0 {
		return err
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return err
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *wavInput) Close() error {
	return w.file.Close()
}
