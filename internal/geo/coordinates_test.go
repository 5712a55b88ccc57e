package geo

import (
	"errors"
	"testing"
)

func TestParseDDMM(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		degDigits int
		dir       string
		want      float64
		wantErr   bool
	}{
		{
			name:      "IGC latitude north",
			input:     "5130123", // 51 deg 30.123 min
			degDigits: 2,
			dir:       "N",
			want:      51.50205,
		},
		{
			name:      "IGC longitude west",
			input:     "00112345", // 1 deg 12.345 min
			degDigits: 3,
			dir:       "W",
			want:      -1.20575,
		},
		{
			name:      "DDMM.M latitude south",
			input:     "3413.8",
			degDigits: 2,
			dir:       "S",
			want:      -34.23,
		},
		{
			name:      "DDMMSS latitude",
			input:     "341348",
			degDigits: 2,
			dir:       "N",
			want:      34.23,
		},
		{
			name:      "minutes out of range",
			input:     "5175000",
			degDigits: 2,
			dir:       "N",
			wantErr:   true,
		},
		{
			name:      "too short",
			input:     "51",
			degDigits: 2,
			wantErr:   true,
		},
		{
			name:      "non numeric",
			input:     "51AB123",
			degDigits: 2,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDDMM(tt.input, tt.degDigits, tt.dir)
			if tt.wantErr {
				if !errors.Is(err, ErrBadCoordinate) {
					t.Errorf("ParseDDMM(%q) error = %v, want ErrBadCoordinate", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDDMM(%q) error = %v", tt.input, err)
			}
			if !almostEqual(got, tt.want, 0.0001) {
				t.Errorf("ParseDDMM(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseDMS(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{name: "symbols with hemisphere", input: `51°30'12.5"N`, want: 51.503472},
		{name: "spaces", input: "51 30 12.5 N", want: 51.503472},
		{name: "colon minutes", input: "51:30.25N", want: 51.504167},
		{name: "leading hemisphere west", input: "W1°15.5'", want: -1.258333},
		{name: "plain negative decimal", input: "-1.25", want: -1.25},
		{name: "south suffix", input: "33 52 S", want: -33.866667},
		{name: "empty", input: "", wantErr: true},
		{name: "minutes too large", input: "51 75 00 N", wantErr: true},
		{name: "too many parts", input: "1 2 3 4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDMS(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDMS(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDMS(%q) error = %v", tt.input, err)
			}
			if !almostEqual(got, tt.want, 0.00001) {
				t.Errorf("ParseDMS(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParsePoint(t *testing.T) {
	p, err := ParsePoint("51°30'00\"N", "1°15'00\"W")
	if err != nil {
		t.Fatalf("ParsePoint() error = %v", err)
	}
	if !almostEqual(p.Lat(), 51.5, 1e-9) || !almostEqual(p.Lon(), -1.25, 1e-9) {
		t.Errorf("ParsePoint() = %v,%v", p.Lat(), p.Lon())
	}
	if _, err := ParsePoint("95 N", "1 W"); err == nil {
		t.Error("latitude above 90 should fail")
	}
}

func TestFormatDMS(t *testing.T) {
	tests := []struct {
		deg   float64
		isLat bool
		want  string
	}{
		{51.5, true, `51°30'00"N`},
		{-33.866667, true, `33°52'00"S`},
		{-1.258333, false, `1°15'30"W`},
		{151.2, false, `151°12'00"E`},
	}
	for _, tt := range tests {
		if got := FormatDMS(tt.deg, tt.isLat); got != tt.want {
			t.Errorf("FormatDMS(%v) = %q, want %q", tt.deg, got, tt.want)
		}
		back, err := ParseDMS(tt.want)
		if err != nil || !almostEqual(back, tt.deg, 0.0003) {
			t.Errorf("round trip %q = %v, %v", tt.want, back, err)
		}
	}
}
