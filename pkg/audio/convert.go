package audio

import (
	"encoding/binary"
	"math"
)

// Energy returns the sum of squared normalised samples of a chunk. PCM16 samples
// are divided by 32768 and float samples are used as-is, so both encodings feed
// the same loudness formula. Trailing bytes that do not form a whole sample are
// ignored.
func Energy(enc Encoding, pcm []byte) float64 {
	var sum float64
	switch enc {
	case EncodingPCM16:
		for i := 0; i+1 < len(pcm); i += 2 {
			s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
			sum += s * s
		}
	case EncodingFloat32:
		for i := 0; i+3 < len(pcm); i += 4 {
			s := float64(math.Float32frombits(binary.LittleEndian.Uint32(pcm[i:])))
			if math.IsNaN(s) || math.IsInf(s, 0) {
				continue
			}
			sum += s * s
		}
	}
	return sum
}

// PCM16Bytes encodes int16 samples as little-endian bytes.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float32Bytes encodes float32 samples as little-endian IEEE 754 bytes.
func Float32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// U8Silence is the unsigned 8-bit sample value for zero amplitude.
const U8Silence = 128

// FromUnsigned8 converts unsigned 8-bit samples (128 = silence), as produced by
// waveform visualisers, to enc.
func FromUnsigned8(enc Encoding, wave []byte) []byte {
	switch enc {
	case EncodingPCM16:
		out := make([]byte, len(wave)*2)
		for i, b := range wave {
			s := int16(int(b)-U8Silence) << 8
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		return out
	case EncodingFloat32:
		out := make([]byte, len(wave)*4)
		for i, b := range wave {
			s := float32(int(b)-U8Silence) / 128
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
		}
		return out
	}
	return nil
}

// ToUnsigned8 converts PCM in enc to unsigned 8-bit samples, keeping only the
// most significant bits.
func ToUnsigned8(enc Encoding, pcm []byte) []byte {
	switch enc {
	case EncodingPCM16:
		out := make([]byte, len(pcm)/2)
		for i := range out {
			s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
			out[i] = byte(int(s>>8) + U8Silence)
		}
		return out
	case EncodingFloat32:
		out := make([]byte, len(pcm)/4)
		for i := range out {
			s := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
			v := int(math.Round(float64(s) * 128))
			out[i] = byte(min(max(v, -128), 127) + U8Silence)
		}
		return out
	}
	return nil
}
