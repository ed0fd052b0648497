package audio

import "log/slog"

// Prober reports platform capture capabilities. MinBufferSize returns the minimum
// viable capture buffer in bytes for enc at sampleRate, or a value <= 0 when the
// combination is not supported.
type Prober interface {
	MinBufferSize(enc Encoding, sampleRate int) int
}

// ProberFunc adapts a plain function to [Prober].
type ProberFunc func(enc Encoding, sampleRate int) int

// MinBufferSize calls f.
func (f ProberFunc) MinBufferSize(enc Encoding, sampleRate int) int { return f(enc, sampleRate) }

// Preference is one candidate (encoding, sample rate) pair.
type Preference struct {
	Encoding   Encoding
	SampleRate int
}

// DefaultPreferences is the ordered candidate list used when the configuration
// does not override it.
var DefaultPreferences = []Preference{
	{EncodingPCM16, 48000},
	{EncodingPCM16, 44100},
	{EncodingPCM16, 96000},
	{EncodingFloat32, 48000},
	{EncodingFloat32, 44100},
	{EncodingFloat32, 96000},
}

// Negotiate tries prefs in order and returns the config for the first pair the
// prober accepts. It returns false when no pair is viable; callers must then treat
// capture as unavailable rather than retry.
//
// Negotiate has no side effects besides the prober calls. Compute it once at
// start-up and pass the result along.
func Negotiate(p Prober, prefs []Preference, chunkSamples int) (SourceConfig, bool) {
	if len(prefs) == 0 {
		prefs = DefaultPreferences
	}
	for _, pref := range prefs {
		size := p.MinBufferSize(pref.Encoding, pref.SampleRate)
		if size <= 0 {
			slog.Debug("capture format rejected",
				"encoding", pref.Encoding.String(),
				"sample_rate", pref.SampleRate,
			)
			continue
		}
		cfg, err := NewSourceConfig(pref.Encoding, pref.SampleRate, chunkSamples, size)
		if err != nil {
			slog.Warn("invalid capture preference", "err", err)
			continue
		}
		return cfg, true
	}
	return SourceConfig{}, false
}
