package ffmpeg

import "testing"

func TestParseRational(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001},
		{"0/0", 0},
		{"25", 25},
		{"", 0},
		{"garbage/1", 0},
	}
	for _, tt := range tests {
		if got := parseRational(tt.in); got != tt.want {
			t.Errorf("parseRational(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}
