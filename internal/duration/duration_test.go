package duration

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"45s", 45 * time.Second},
		{"1h30m", 90 * time.Minute},
		{"2d", 48 * time.Hour},
		{"1d2h3m4s", 26*time.Hour + 3*time.Minute + 4*time.Second},
		{"90", 90 * time.Second}, // bare integers mean seconds
		{"0", 0},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5x", "-10", "1h30", "h", "10ss5"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		45 * time.Second,
		90 * time.Minute,
		48 * time.Hour,
		26*time.Hour + 3*time.Minute + 4*time.Second,
	} {
		s := Format(d)
		back, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(Format(%v)=%q): %v", d, s, err)
		}
		if back != d {
			t.Errorf("round trip %v -> %q -> %v", d, s, back)
		}
	}
	if Format(0) != "0s" {
		t.Errorf("Format(0) = %q", Format(0))
	}
}
