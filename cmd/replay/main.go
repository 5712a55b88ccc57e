// Command replay turns IGC flight logs into position reports.
//
// It is used to test a tracker without live devices: the fixes of a log are
// written as JSONL reports for `tracker -input`, or published to NATS at the
// pace they were recorded.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"soaring_tracker/internal/config"
	"soaring_tracker/internal/identity"
	"soaring_tracker/internal/igc"
	"soaring_tracker/internal/track"
)

// report matches the JSON accepted by the tracker feed.
type report struct {
	DeviceID  string  `json:"deviceId"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp int64   `json:"timestamp"`
	Altitude  float64 `json:"altitude"`
}

// summary describes one parsed log.
type summary struct {
	File     string              `json:"file"`
	Date     string              `json:"date"`
	Pilot    string              `json:"pilot,omitempty"`
	CompNo   string              `json:"compno,omitempty"`
	Glider   string              `json:"glider,omitempty"`
	FlarmID  string              `json:"flarmId,omitempty"`
	Fixes    int                 `json:"fixes"`
	Skipped  int                 `json:"skipped"`
	First    int64               `json:"first"`
	Last     int64               `json:"last"`
	Movement []identity.Movement `json:"movements,omitempty"`
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "replay - commands:")
	fmt.Fprintln(w, "  info     - summarise IGC logs")
	fmt.Fprintln(w, "  reports  - write IGC fixes as JSONL position reports")
	fmt.Fprintln(w, "  publish  - publish IGC fixes to NATS at the recorded pace")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  replay info [-ground M] flight.igc...")
	fmt.Fprintln(w, "  replay reports [-device ID] [-output out.jsonl] flight.igc...")
	fmt.Fprintln(w, "  replay publish [-device ID] [-nats URL] [-subject S] [-speed N] flight.igc...")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - The device id defaults to the FLARM id in the log, then the file name.")
	fmt.Fprintln(w, "  - Reports from several logs are merged in time order.")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd := strings.ToLower(os.Args[1])
	switch cmd {
	case "info":
		runInfo(os.Args[2:])
	case "reports":
		runReports(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	ground := fs.Float64("ground", 0, "Site elevation in metres for movement detection")
	_ = fs.Parse(args)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, path := range fs.Args() {
		log, err := readLog(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		s := summary{
			File:    path,
			Date:    log.Date.Format("2006-01-02"),
			Pilot:   log.Pilot,
			CompNo:  log.CompNo,
			Glider:  log.GliderType,
			FlarmID: log.FlarmID,
			Fixes:   len(log.Fixes),
			Skipped: log.Skipped,
			First:   log.Fixes[0].Time,
			Last:    log.Fixes[len(log.Fixes)-1].Time,
		}
		u := identity.NewUnknownTrack(path)
		for _, f := range log.Fixes {
			agl := f.Altitude - *ground
			f.AGL = &agl
			if m, ok := u.Add(f); ok {
				s.Movement = append(s.Movement, m)
			}
		}
		_ = enc.Encode(s)
	}
}

func runReports(args []string) {
	fs := flag.NewFlagSet("reports", flag.ExitOnError)
	device := fs.String("device", "", "Device id for every report (single log only)")
	outPath := fs.String("output", "", "Output JSONL file (default: stdout)")
	_ = fs.Parse(args)

	reports, err := collect(fs.Args(), *device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var w io.Writer = os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range reports {
		_ = enc.Encode(r)
	}
	if err := bw.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Write failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d reports\n", len(reports))
}

func runPublish(args []string) {
	cfg := config.Load(".env")
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	device := fs.String("device", "", "Device id for every report (single log only)")
	url := fs.String("nats", cfg.NATSURL, "NATS server URL")
	subject := fs.String("subject", "positions.replay", "NATS subject")
	speed := fs.Float64("speed", 1, "Replay speed multiplier (0 publishes without pausing)")
	_ = fs.Parse(args)

	reports, err := collect(fs.Args(), *device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	nc, err := nats.Connect(*url, nats.Name("soaring-replay"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "NATS connect failed: %v\n", err)
		os.Exit(1)
	}
	defer nc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sent := 0
	for i, r := range reports {
		if i > 0 && *speed > 0 {
			gap := time.Duration(float64(r.Timestamp-reports[i-1].Timestamp) / *speed * float64(time.Second))
			select {
			case <-ctx.Done():
			case <-time.After(gap):
			}
		}
		if ctx.Err() != nil {
			break
		}
		data, _ := json.Marshal(r)
		if err := nc.Publish(*subject, data); err != nil {
			fmt.Fprintf(os.Stderr, "Publish failed: %v\n", err)
			break
		}
		sent++
	}
	_ = nc.Flush()
	fmt.Fprintf(os.Stderr, "%d of %d reports published\n", sent, len(reports))
}

func readLog(path string) (*igc.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return igc.Parse(f)
}

// collect reads every log and merges their fixes into time-ordered reports.
func collect(paths []string, device string) ([]report, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no IGC files given")
	}
	if device != "" && len(paths) > 1 {
		return nil, fmt.Errorf("-device needs exactly one log")
	}

	var streams [][]report
	for _, path := range paths {
		log, err := readLog(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		id := device
		if id == "" {
			id = log.FlarmID
		}
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), ".igc")
		}
		streams = append(streams, toReports(id, log.Fixes))
	}
	return merge(streams), nil
}

func toReports(device string, fixes []track.Sample) []report {
	out := make([]report, 0, len(fixes))
	for _, f := range fixes {
		out = append(out, report{DeviceID: device, Lat: f.Lat, Lon: f.Lon, Timestamp: f.Time, Altitude: f.Altitude})
	}
	return out
}

// merge interleaves time-ordered streams.
func merge(streams [][]report) []report {
	var out []report
	idx := make([]int, len(streams))
	for {
		best := -1
		for i, s := range streams {
			if idx[i] >= len(s) {
				continue
			}
			if best < 0 || s[idx[i]].Timestamp < streams[best][idx[best]].Timestamp {
				best = i
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, streams[best][idx[best]])
		idx[best]++
	}
}
