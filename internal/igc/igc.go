// Package igc reads IGC flight logs.
package igc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"soaring_tracker/internal/geo"
	"soaring_tracker/internal/track"
)

var (
	ErrNoDate  = errors.New("igc: no date header")
	ErrNoFixes = errors.New("igc: no valid fixes")
)

var (
	flarmIDPattern = regexp.MustCompile(`^LFLA\d{6}ID \d ([0-9A-Fa-f]{6})`)
	datePattern    = regexp.MustCompile(`^HFDTE(?:DATE:)?(\d{6})`)
)

// Log is a parsed flight log.
type Log struct {
	Date         time.Time
	Pilot        string
	CompNo       string
	Registration string
	GliderType   string
	FlarmID      string
	Fixes        []track.Sample
	Skipped      int // unparseable or invalid B records
}

// Launch returns the first fix time, or 0 when there are none.
func (l *Log) Launch() int64 {
	if len(l.Fixes) == 0 {
		return 0
	}
	return l.Fixes[0].Time
}

// Parse reads an IGC file. Fixes are returned in time order; duplicate or
// backward times are dropped.
func Parse(r io.Reader) (*Log, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	log := &Log{}
	var day time.Time
	var last int64
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r ")
		if line == "" {
			continue
		}

		switch line[0] {
		case 'H':
			if m := datePattern.FindStringSubmatch(line); m != nil {
				d, err := time.Parse("020106", m[1])
				if err != nil {
					return nil, fmt.Errorf("igc: bad date %q: %w", m[1], err)
				}
				day, log.Date = d, d
				continue
			}
			header(log, line)

		case 'L':
			if m := flarmIDPattern.FindStringSubmatch(line); m != nil {
				log.FlarmID = strings.ToUpper(m[1])
			}

		case 'B':
			if day.IsZero() {
				return nil, ErrNoDate
			}
			s, err := fix(line, day)
			if err != nil {
				log.Skipped++
				continue
			}
			// Crossed midnight UTC.
			for s.Time < last-12*3600 {
				day = day.AddDate(0, 0, 1)
				s.Time += 86400
			}
			if s.Time <= last {
				log.Skipped++
				continue
			}
			last = s.Time
			log.Fixes = append(log.Fixes, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("igc: %w", err)
	}
	if len(log.Fixes) == 0 {
		return log, ErrNoFixes
	}
	return log, nil
}

// header picks up the H records that identify the glider and pilot.
func header(log *Log, line string) {
	if len(line) < 5 {
		return
	}
	_, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch line[2:5] {
	case "CID":
		log.CompNo = value
	case "GID":
		log.Registration = value
	case "GTY":
		log.GliderType = value
	case "PLT":
		log.Pilot = value
	}
}

// fix decodes a B record: time, latitude, longitude, validity, pressure
// altitude and GNSS altitude.
func fix(line string, day time.Time) (track.Sample, error) {
	if len(line) < 35 {
		return track.Sample{}, fmt.Errorf("igc: short B record")
	}
	hh, err1 := strconv.Atoi(line[1:3])
	mm, err2 := strconv.Atoi(line[3:5])
	ss, err3 := strconv.Atoi(line[5:7])
	if err := errors.Join(err1, err2, err3); err != nil || hh > 23 || mm > 59 || ss > 59 {
		return track.Sample{}, fmt.Errorf("igc: bad time %q", line[1:7])
	}
	if line[24] != 'A' {
		return track.Sample{}, fmt.Errorf("igc: 2D fix")
	}

	lat, err := geo.ParseDDMM(line[7:14], 2, line[14:15])
	if err != nil {
		return track.Sample{}, err
	}
	lon, err := geo.ParseDDMM(line[15:23], 3, line[23:24])
	if err != nil {
		return track.Sample{}, err
	}
	pressure, err1 := strconv.Atoi(line[25:30])
	gnss, err2 := strconv.Atoi(line[30:35])
	if err := errors.Join(err1, err2); err != nil {
		return track.Sample{}, fmt.Errorf("igc: bad altitude: %w", err)
	}
	alt := gnss
	if alt == 0 {
		alt = pressure
	}

	t := day.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second)
	return track.NewSample(t.Unix(), lat, lon, float64(alt)), nil
}
