package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// CommandDevice reads raw s16le mono samples from the stdout of an external
// recorder process (ffmpeg, arecord, sox).
type CommandDevice struct {
	Name       string
	Args       []string
	NativeRate int
}

// FFmpegDevice records from an ffmpeg input device, e.g. format "alsa" with
// input "default", "pulse"/"default" or "avfoundation"/":0".
func FFmpegDevice(format, input string, nativeRate int) *CommandDevice {
	return &CommandDevice{
		Name: "ffmpeg",
		Args: []string{
			"-hide_banner", "-loglevel", "error", "-nostdin",
			"-f", format, "-i", input,
			"-ac", "1", "-ar", strconv.Itoa(nativeRate),
			"-f", "s16le", "-acodec", "pcm_s16le",
			"-",
		},
		NativeRate: nativeRate,
	}
}

// ArecordDevice records from an ALSA device via arecord.
func ArecordDevice(input string, nativeRate int) *CommandDevice {
	return &CommandDevice{
		Name: "arecord",
		Args: []string{
			"-q", "-D", input,
			"-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(nativeRate),
			"-t", "raw",
		},
		NativeRate: nativeRate,
	}
}

func (d *CommandDevice) Open(ctx context.Context) (Input, error) {
	if d.NativeRate <= 0 {
		return nil, fmt.Errorf("%w: %s: native rate not set", ErrDevice, d.Name)
	}
	cmd := exec.CommandContext(ctx, d.Name, d.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s stdout: %w", ErrDevice, d.Name, err)
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrDevice, d.Name, err)
	}
	return &commandInput{
		name:   d.Name,
		cmd:    cmd,
		pcm:    newPCMReader(stdout),
		stderr: stderr,
		rate:   d.NativeRate,
	}, nil
}

type commandInput struct {
	name   string
	cmd    *exec.Cmd
	pcm    *pcmReader
	stderr *tailBuffer
	rate   int

	waitOnce sync.Once
	waitErr  error
}

func (c *commandInput) SampleRate() int { return c.rate }

func (c *commandInput) Read(p []int16) (int, error) {
	n, err := c.pcm.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := c.wait(); werr != nil {
			return n, fmt.Errorf("%s exited: %w: %s", c.name, werr, c.stderr.String())
		}
	}
	return n, err
}

func (c *commandInput) wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

func (c *commandInput) Close() error {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.wait()
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
