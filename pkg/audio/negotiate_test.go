package audio_test

import (
	"testing"

	"github.com/MrWong99/songsnap/pkg/audio"
)

func TestNegotiate_FirstViableWins(t *testing.T) {
	var calls []audio.Preference
	p := audio.ProberFunc(func(enc audio.Encoding, rate int) int {
		calls = append(calls, audio.Preference{Encoding: enc, SampleRate: rate})
		if enc == audio.EncodingPCM16 && rate == 44100 {
			return 3528
		}
		if enc == audio.EncodingFloat32 {
			return 8000
		}
		return 0
	})

	cfg, ok := audio.Negotiate(p, nil, 0)
	if !ok {
		t.Fatal("expected a viable config")
	}
	if cfg.Encoding != audio.EncodingPCM16 || cfg.SampleRate != 44100 {
		t.Errorf("got %s, want pcm16 44100Hz", cfg)
	}
	if cfg.MinBufferSize != 3528 {
		t.Errorf("MinBufferSize = %d, want 3528", cfg.MinBufferSize)
	}
	if len(calls) != 2 {
		t.Errorf("prober called %d times, want 2 (stop at first viable)", len(calls))
	}
}

func TestNegotiate_NoneViable(t *testing.T) {
	p := audio.ProberFunc(func(audio.Encoding, int) int { return -1 })
	if _, ok := audio.Negotiate(p, nil, 0); ok {
		t.Error("expected no viable config")
	}
}

func TestNegotiate_CustomPreferences(t *testing.T) {
	p := audio.ProberFunc(func(audio.Encoding, int) int { return 100 })
	prefs := []audio.Preference{{Encoding: audio.EncodingFloat32, SampleRate: 96000}}
	cfg, ok := audio.Negotiate(p, prefs, 512)
	if !ok {
		t.Fatal("expected a viable config")
	}
	if cfg.Encoding != audio.EncodingFloat32 || cfg.SampleRate != 96000 || cfg.ChunkSize != 2048 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestNegotiate_SkipsInvalidPreference(t *testing.T) {
	p := audio.ProberFunc(func(audio.Encoding, int) int { return 100 })
	prefs := []audio.Preference{
		{Encoding: audio.Encoding(42), SampleRate: 48000},
		{Encoding: audio.EncodingPCM16, SampleRate: 48000},
	}
	cfg, ok := audio.Negotiate(p, prefs, 0)
	if !ok || cfg.Encoding != audio.EncodingPCM16 {
		t.Errorf("got %+v, %v; want pcm16", cfg, ok)
	}
}
