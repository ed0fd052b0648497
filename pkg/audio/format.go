package audio

import (
	"fmt"
	"time"
)

// DefaultChunkSamples is the number of samples per chunk. It matches the native
// frame of the recognition service's codec.
const DefaultChunkSamples = 1024

// SourceConfig is the negotiated capture format. Values are immutable once built
// with [NewSourceConfig]; copy them freely.
type SourceConfig struct {
	// Encoding is the sample encoding delivered by the capture device.
	Encoding Encoding

	// SampleRate in Hz (48000, 44100 or 96000 with the default preferences).
	SampleRate int

	// Channels is always 1.
	Channels int

	// BytesPerFrame is Channels × Encoding.BytesPerSample().
	BytesPerFrame int

	// ChunkSamples is the number of samples per channel in one chunk.
	ChunkSamples int

	// ChunkSize is the size of one chunk in bytes. Always a positive multiple of
	// BytesPerFrame.
	ChunkSize int

	// ChunkDuration is the wall-clock length of one chunk.
	ChunkDuration time.Duration

	// MinBufferSize is the platform's minimum viable capture buffer in bytes, as
	// reported by the [Prober] during negotiation.
	MinBufferSize int
}

// NewSourceConfig derives a mono [SourceConfig] for enc at sampleRate. chunkSamples
// of zero selects [DefaultChunkSamples].
func NewSourceConfig(enc Encoding, sampleRate, chunkSamples, minBufferSize int) (SourceConfig, error) {
	if !enc.IsValid() {
		return SourceConfig{}, fmt.Errorf("audio: unsupported encoding %d", enc)
	}
	if sampleRate <= 0 {
		return SourceConfig{}, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if chunkSamples == 0 {
		chunkSamples = DefaultChunkSamples
	}
	if chunkSamples < 0 {
		return SourceConfig{}, fmt.Errorf("audio: chunk samples must be positive, got %d", chunkSamples)
	}

	bpf := enc.BytesPerSample()
	return SourceConfig{
		Encoding:      enc,
		SampleRate:    sampleRate,
		Channels:      1,
		BytesPerFrame: bpf,
		ChunkSamples:  chunkSamples,
		ChunkSize:     chunkSamples * bpf,
		ChunkDuration: time.Duration(chunkSamples) * time.Second / time.Duration(sampleRate),
		MinBufferSize: minBufferSize,
	}, nil
}

// BytesPerSecond returns the byte rate of the stream.
func (c SourceConfig) BytesPerSecond() int {
	return c.SampleRate * c.BytesPerFrame
}

// CaptureBufferSize returns the capture buffer size a device should be opened with:
// the larger of ten platform minimum buffers and one second of audio.
func (c SourceConfig) CaptureBufferSize() int {
	return max(10*c.MinBufferSize, c.BytesPerSecond())
}

// String returns a compact human-readable description, e.g. "pcm16 48000Hz mono".
func (c SourceConfig) String() string {
	return fmt.Sprintf("%s %dHz mono", c.Encoding, c.SampleRate)
}
