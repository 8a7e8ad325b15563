// Package audio captures microphone input and turns it into the fixed
// 16 kHz mono PCM16 frames the remote dialogue service expects.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the only rate frames are ever produced at.
	SampleRate = 16000
	// FrameSamples is the number of samples per frame (~256 ms at 16 kHz).
	FrameSamples = 4096
	// MIMEType describes frame payloads to the remote service.
	MIMEType = "audio/pcm;rate=16000"
)

// Frame is one block of 16-bit signed mono samples. Seq counts frames
// within a single capture and is only used for logging.
type Frame struct {
	Seq     uint64
	Samples []int16
}

// Bytes returns the samples as little-endian PCM16.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Base64 returns the PCM16 payload base64-encoded for JSON transports.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.Bytes())
}

// Duration is the playback length of the frame at SampleRate.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / SampleRate
}
