// Package audio defines the PCM formats, chunk type and format negotiation shared by
// every songsnap capture backend.
//
// The central value is [SourceConfig]: an immutable description of the negotiated
// capture format (encoding, sample rate, mono) together with the derived chunk
// geometry. It is computed once at start-up by [Negotiate] and then injected into
// capture sources, the loudness meter and the recognition provider.
//
// This package lives under pkg/ because third-party capture backends are expected to
// implement [Prober] and consume [SourceConfig].
package audio

// Encoding identifies the sample encoding of a PCM stream.
type Encoding int

const (
	// EncodingPCM16 is signed 16-bit little-endian integer PCM.
	EncodingPCM16 Encoding = iota + 1

	// EncodingFloat32 is 32-bit little-endian IEEE 754 float PCM in [-1, 1].
	EncodingFloat32
)

// String returns the configuration name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM16:
		return "pcm16"
	case EncodingFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BytesPerSample returns the size of one sample, or 0 for an unknown encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCM16:
		return 2
	case EncodingFloat32:
		return 4
	default:
		return 0
	}
}

// IsValid reports whether e is a supported encoding.
func (e Encoding) IsValid() bool {
	return e.BytesPerSample() > 0
}

// ParseEncoding maps a configuration name ("pcm16", "float32") to an [Encoding].
func ParseEncoding(name string) (Encoding, bool) {
	switch name {
	case "pcm16":
		return EncodingPCM16, true
	case "float32":
		return EncodingFloat32, true
	}
	return 0, false
}

// Chunk is one fixed-size unit of captured PCM audio. Every chunk handed out by a
// capture source is exactly [SourceConfig.ChunkSize] bytes long.
type Chunk []byte
