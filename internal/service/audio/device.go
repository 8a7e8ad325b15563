package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrDevice reports that no capture device is available or access to it
// was denied or revoked.
var ErrDevice = errors.New("audio device unavailable")

// Device opens a mono sample source at its native rate.
type Device interface {
	Open(ctx context.Context) (Input, error)
}

// Input is an open capture source. Read fills p with native-rate mono
// samples. Close releases the underlying handle and may be called from
// another goroutine to unblock Read.
type Input interface {
	Read(p []int16) (int, error)
	SampleRate() int
	Close() error
}

// NoDevice always fails to open. It backs text-only sessions.
type NoDevice struct{}

func (NoDevice) Open(context.Context) (Input, error) {
	return nil, fmt.Errorf("%w: no capture device configured", ErrDevice)
}

// closeOnce makes Input.Close safe to call from both the capture goroutine
// and Stop.
type closeOnce struct {
	Input
	once sync.Once
	err  error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		c.err = c.Input.Close()
	})
	return c.err
}

// pcmReader decodes little-endian PCM16 from a byte stream, carrying an odd
// trailing byte over to the next read.
type pcmReader struct {
	r      io.Reader
	buf    []byte
	odd    byte
	hasOdd bool
}

func newPCMReader(r io.Reader) *pcmReader {
	return &pcmReader{r: r}
}

func (p *pcmReader) Read(out []int16) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	need := len(out) * 2
	if cap(p.buf) < need {
		p.buf = make([]byte, need)
	}
	buf := p.buf[:need]

	n := 0
	if p.hasOdd {
		buf[0] = p.odd
		p.hasOdd = false
		n = 1
	}
	m, err := p.r.Read(buf[n:])
	n += m

	samples := n / 2
	for i := 0; i < samples; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if n%2 == 1 {
		p.odd = buf[n-1]
		p.hasOdd = true
	}
	return samples, err
}
