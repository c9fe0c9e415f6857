package validate

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  By   2030 ", "by 2030"},
		{"emission-\nreduction", "emission reduction"},
		{"emission-\r\n  reduction", "emission reduction"},
		{"CO2\u2013neutral", "co2-neutral"},
		{"CO2\u2011neutral", "co2-neutral"},
		{"climate neutral", "climate neutral"},
		{"tabs\tand\nnewlines", "tabs and newlines"},
		{"soft\u00adhyphen", "softhyphen"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSource_Contains(t *testing.T) {
	src := NewSource("The city aims for a 55 % emis-\nsion reduction\nby 2030 \u2014 and climate\nneutrality by 2050.")

	tests := []struct {
		quote string
		want  bool
	}{
		{"by 2030", true},
		{"BY   2030", true},
		{"emission reduction", true},
		{"emis sion reduction", true},
		{"climate neutrality", true},
		{"2030 - and", true},
		{"around 2030", false},
		{"", false},
		{"   ", false},
	}

	for _, tt := range tests {
		if got := src.Contains(tt.quote); got != tt.want {
			t.Errorf("Contains(%q) = %v, want %v", tt.quote, got, tt.want)
		}
	}
}
