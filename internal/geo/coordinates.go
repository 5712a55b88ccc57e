package geo

// This file contains coordinate text conversion utilities.

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrBadCoordinate is returned when coordinate text cannot be parsed.
var ErrBadCoordinate = errors.New("bad coordinate")

// ParseDDMM parses the packed degree/minute forms used in flight logs and
// returns decimal degrees.
// Supported formats:
//   - DDMM.M (e.g., 5130.5 = 51°30.5')
//   - DDDMM.M (e.g., 00115.25 = 1°15.25')
//   - DDMMmmm (e.g., 5130123 = 51°30.123', IGC latitude)
//   - DDDMMmmm (e.g., 00112345 = 1°12.345', IGC longitude)
//   - DDMMSS (e.g., 513012 = 51°30'12")
//   - DDDMMSS (e.g., 0013012 = 1°30'12")
//
// degDigits specifies how many digits are degrees (2 for lat, 3 for lon).
// dir is the direction (N/S/E/W) - S and W result in negative values.
func ParseDDMM(s string, degDigits int, dir string) (float64, error) {
	if len(s) <= degDigits {
		return 0, fmt.Errorf("%w: %q too short", ErrBadCoordinate, s)
	}

	deg, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadCoordinate, s, err)
	}
	rest := s[degDigits:]

	var min float64
	switch {
	case strings.Contains(rest, "."):
		min, err = strconv.ParseFloat(rest, 64)
	case len(rest) == 5: // MMmmm, thousandths of minutes.
		var v int
		v, err = strconv.Atoi(rest)
		min = float64(v) / 1000
	case len(rest) == 4: // MMSS.
		var mm, ss int
		mm, err = strconv.Atoi(rest[:2])
		if err == nil {
			ss, err = strconv.Atoi(rest[2:])
		}
		min = float64(mm) + float64(ss)/60
	case len(rest) == 2: // MM.
		var mm int
		mm, err = strconv.Atoi(rest)
		min = float64(mm)
	default:
		return 0, fmt.Errorf("%w: %q unknown layout", ErrBadCoordinate, s)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadCoordinate, s, err)
	}
	if min >= 60 {
		return 0, fmt.Errorf("%w: %q minutes out of range", ErrBadCoordinate, s)
	}

	result := float64(deg) + min/60
	if dir == "S" || dir == "W" {
		result = -result
	}
	return result, nil
}

// ParseDMS parses free-form degree/minute/second text and returns decimal
// degrees. Accepted forms include 51°30'12.5"N, 51 30 12.5 N, 51:30.25N,
// W1°15.5' and plain signed decimals such as -1.25.
func ParseDMS(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrBadCoordinate)
	}

	sign := 1.0
	upper := strings.ToUpper(s)
	if c := upper[len(upper)-1]; strings.IndexByte("NSEW", c) >= 0 {
		if c == 'S' || c == 'W' {
			sign = -1
		}
		upper = upper[:len(upper)-1]
	} else if c := upper[0]; strings.IndexByte("NSEW", c) >= 0 {
		if c == 'S' || c == 'W' {
			sign = -1
		}
		upper = upper[1:]
	}

	parts := strings.FieldsFunc(upper, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '.' && r != '-'
	})
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadCoordinate, s)
	}

	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrBadCoordinate, s, err)
		}
		if i > 0 && (v < 0 || v >= 60) {
			return 0, fmt.Errorf("%w: %q component out of range", ErrBadCoordinate, s)
		}
		vals[i] = v
	}

	if vals[0] < 0 {
		sign = -sign
		vals[0] = -vals[0]
	}
	deg := vals[0] + vals[1]/60 + vals[2]/3600
	if deg > 180 {
		return 0, fmt.Errorf("%w: %q out of range", ErrBadCoordinate, s)
	}
	return sign * deg, nil
}

// ParsePoint parses a latitude and longitude in any form accepted by ParseDMS.
func ParsePoint(lat, lon string) (Point, error) {
	la, err := ParseDMS(lat)
	if err != nil {
		return Point{}, fmt.Errorf("latitude: %w", err)
	}
	lo, err := ParseDMS(lon)
	if err != nil {
		return Point{}, fmt.Errorf("longitude: %w", err)
	}
	if math.Abs(la) > 90 {
		return Point{}, fmt.Errorf("latitude: %w: %v out of range", ErrBadCoordinate, la)
	}
	return FromDegrees(la, lo), nil
}

// FormatDMS renders decimal degrees as D°MM'SS"H.
func FormatDMS(deg float64, isLat bool) string {
	hemi := "N"
	if isLat && deg < 0 {
		hemi = "S"
	}
	if !isLat {
		hemi = "E"
		if deg < 0 {
			hemi = "W"
		}
	}
	deg = math.Abs(deg)
	totalSec := math.Round(deg * 3600)
	d := math.Floor(totalSec / 3600)
	m := math.Floor((totalSec - d*3600) / 60)
	sec := totalSec - d*3600 - m*60
	return fmt.Sprintf("%d°%02d'%02d\"%s", int(d), int(m), int(sec), hemi)
}

// String renders the point as DMS text.
func (p Point) String() string {
	return FormatDMS(p.Lat(), true) + " " + FormatDMS(p.Lon(), false)
}
