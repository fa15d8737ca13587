package audio

import (
	"testing"
)

func TestPCM16RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 12345}

	var c PCM16
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) != 2*len(in) {
		t.Fatalf("encoded length: got %d, want %d", len(data), 2*len(in))
	}
	out, err := c.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestPCM16DecodeOddLength(t *testing.T) {
	t.Parallel()
	var c PCM16
	if _, err := c.Decode([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatal("Decode accepted an odd-length payload")
	}
}

func TestPCM16DecodeEmpty(t *testing.T) {
	t.Parallel()
	var c PCM16
	out, err := c.Decode(nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("decoded samples: got %d, want 0", len(out))
	}
}

func TestGain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		in     []int16
		factor float64
		want   []int16
	}{
		{"unity", []int16{100, -100}, 1.0, []int16{100, -100}},
		{"halve", []int16{1000, -2000, 1}, 0.5, []int16{500, -1000, 0}},
		{"silence", []int16{1000, -1000}, 0, []int16{0, 0}},
		{"amplify", []int16{100, -100}, 2.0, []int16{200, -200}},
		{"saturate high", []int16{30000, 32767}, 2.0, []int16{32767, 32767}},
		{"saturate low", []int16{-30000, -32768}, 2.0, []int16{-32768, -32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			samples := append([]int16(nil), tt.in...)
			Gain(samples, tt.factor)
			for i := range tt.want {
				if samples[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, samples[i], tt.want[i])
				}
			}
		})
	}
}

func TestGainScalesInPlace(t *testing.T) {
	t.Parallel()
	samples := []int16{100}
	Gain(samples, 3.0)
	if samples[0] != 300 {
		t.Fatalf("in-place gain: got %d, want 300", samples[0])
	}
}
