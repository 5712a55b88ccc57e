package task

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"soaring_tracker/internal/geo"
)

func almostEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

// testTask is start line → FAI sector → cylinder → finish ring around (51,-1).
func testTask(t *testing.T) *Task {
	t.Helper()
	legs := []Leg{
		{Kind: KindLine, Direction: DirNextLeg, Center: geo.FromDegrees(51, -1), R1: 3},
		{Kind: KindSector, Direction: DirSymmetrical, Center: geo.FromDegrees(51.5, -1), R1: 20, A1: 45, R2: 0.5, A2: 180},
		{Kind: KindSector, Direction: DirSymmetrical, Center: geo.FromDegrees(51.5, -0.5), R1: 0.5, A1: 180},
		{Kind: KindSector, Direction: DirPreviousLeg, Center: geo.FromDegrees(51, -1), R1: 3, A1: 180},
	}
	tk, err := New("t1", "club", Speed, legs)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tk
}

func at(l *Leg, bearingDeg, dist float64) geo.Point {
	return geo.Destination(l.Center, geo.ToRad(bearingDeg), dist)
}

func TestStartLine(t *testing.T) {
	tk := testTask(t)
	start := &tk.Legs[0]

	// Next leg is due north so the line's inside is the southern half disc.
	if !almostEqual(geo.ToDeg(start.Axis), 180, 0.01) {
		t.Fatalf("start axis = %v, want 180", geo.ToDeg(start.Axis))
	}
	if len(start.Line) != 2 {
		t.Fatalf("line has %d points, want 2", len(start.Line))
	}

	tests := []struct {
		name    string
		bearing float64
		dist    float64
		inside  bool
	}{
		{"behind the line", 180, 1, true},
		{"behind near edge", 200, 2.9, true},
		{"across the line", 0, 1, false},
		{"beyond radius", 180, 3.2, false},
		{"on center", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := at(start, tt.bearing, tt.dist)
			if tt.dist == 0 {
				p = start.Center
			}
			if got := start.Inside(p); got != tt.inside {
				t.Errorf("Inside() = %v, want %v", got, tt.inside)
			}
			c := start.Classify(p)
			if !almostEqual(math.Abs(c), tt.dist, 1e-6) {
				t.Errorf("|Classify()| = %v, want %v", math.Abs(c), tt.dist)
			}
		})
	}
}

func TestQuickCircle(t *testing.T) {
	tk := testTask(t)
	cyl := &tk.Legs[2]
	if !cyl.QuickCircle {
		t.Fatal("cylinder should use the quick circle path")
	}
	if got := cyl.Classify(at(cyl, 45, 0.3)); !almostEqual(got, 0.3, 1e-9) {
		t.Errorf("Classify inside = %v, want 0.3", got)
	}
	if got := cyl.Classify(at(cyl, 45, 0.6)); !almostEqual(got, -0.6, 1e-9) {
		t.Errorf("Classify outside = %v, want -0.6", got)
	}
}

func TestSymmetricKeyhole(t *testing.T) {
	tk := testTask(t)
	tp := &tk.Legs[1]

	// Inbound from the south, outbound east: the zone opens to the north west.
	if !almostEqual(geo.ToDeg(tp.Axis), 315, 0.5) {
		t.Fatalf("axis = %v, want ~315", geo.ToDeg(tp.Axis))
	}

	tests := []struct {
		name    string
		bearing float64
		dist    float64
		inside  bool
	}{
		{"on axis", 315, 5, true},
		{"within half angle", 340, 15, true},
		{"outside half angle", 250, 5, false},
		{"opposite side far", 135, 2, false},
		{"opposite side in cylinder", 135, 0.3, true},
		{"beyond outer radius", 315, 21, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tp.Inside(at(tp, tt.bearing, tt.dist)); got != tt.inside {
				t.Errorf("Inside() = %v, want %v", got, tt.inside)
			}
		})
	}
}

func TestExclusionRadius(t *testing.T) {
	legs := []Leg{
		{Kind: KindLine, Center: geo.FromDegrees(51, -1), R1: 3},
		{Kind: KindSector, Center: geo.FromDegrees(51.5, -1), R1: 10, A1: 180, R2: 2},
		{Kind: KindSector, Center: geo.FromDegrees(51, -1), R1: 3, A1: 180},
	}
	tk, err := New("x", "open", AssignedArea, legs)
	if err != nil {
		t.Fatal(err)
	}
	area := &tk.Legs[1]
	if area.QuickCircle {
		t.Fatal("area with an exclusion radius cannot use the quick circle path")
	}
	if area.Inside(at(area, 90, 1)) {
		t.Error("point inside the exclusion radius reported inside")
	}
	if !area.Inside(at(area, 90, 5)) {
		t.Error("point in the ring reported outside")
	}
	if area.Inside(area.Center) {
		t.Error("center reported inside")
	}
}

func TestClamp(t *testing.T) {
	legs := []Leg{
		{Kind: KindLine, Center: geo.FromDegrees(51, -1), R1: 3},
		{Kind: KindSector, Center: geo.FromDegrees(51.5, -1), R1: 1, R2: 5, A1: 270, A2: -10},
		{Kind: KindSector, Center: geo.FromDegrees(51, -1), R1: -3, A1: 180},
	}
	tk, err := New("c", "open", Speed, legs)
	if err != nil {
		t.Fatal(err)
	}
	l := tk.Legs[1]
	if l.R2 != 1 || l.A1 != 180 || l.A2 != 0 {
		t.Errorf("clamped leg = R2 %v A1 %v A2 %v", l.R2, l.A1, l.A2)
	}
	if tk.Legs[2].R1 != 0 {
		t.Errorf("negative radius not clamped: %v", tk.Legs[2].R1)
	}
}

func TestClassifySignProperty(t *testing.T) {
	tk := testTask(t)
	rng := rand.New(rand.NewSource(7))
	for i := range tk.Legs {
		l := &tk.Legs[i]
		for n := 0; n < 500; n++ {
			p := at(l, rng.Float64()*360, rng.Float64()*40)
			d := geo.Haversine(l.Center, p)
			c := l.Classify(p)
			if !almostEqual(math.Abs(c), d, 1e-9) {
				t.Fatalf("leg %d: |Classify| %v != distance %v", i, c, d)
			}
			if d > l.MaxR && c >= 0 {
				t.Fatalf("leg %d: point %v km away classified inside", i, d)
			}
			if l.Inside(p) != (c > 0 || d == 0) {
				t.Fatalf("leg %d: Inside disagrees with Classify sign", i)
			}
		}
	}
}

func TestTaskDistance(t *testing.T) {
	tk := testTask(t)
	var want float64
	for i := 1; i < len(tk.Legs); i++ {
		want += geo.Haversine(tk.Legs[i-1].Center, tk.Legs[i].Center)
	}
	if !almostEqual(tk.Distance, want, 1e-9) {
		t.Errorf("Distance = %v, want %v", tk.Distance, want)
	}
	if tk.Legs[0].Length != 0 {
		t.Errorf("start leg length = %v", tk.Legs[0].Length)
	}
	if tk.Finish() != 3 {
		t.Errorf("Finish() = %d", tk.Finish())
	}
}

func TestNewTooFewLegs(t *testing.T) {
	_, err := New("bad", "club", Speed, []Leg{{Center: geo.FromDegrees(51, -1)}})
	if !errors.Is(err, ErrTooFewLegs) {
		t.Errorf("New() error = %v, want ErrTooFewLegs", err)
	}
}

func TestHash(t *testing.T) {
	a := testTask(t)
	b := testTask(t)
	if a.Hash != b.Hash {
		t.Errorf("identical tasks hash differently: %s vs %s", a.Hash, b.Hash)
	}

	legs := append([]Leg(nil), a.Legs...)
	legs[2].R1 = 1
	c, err := New("t1", "club", Speed, legs)
	if err != nil {
		t.Fatal(err)
	}
	if c.Hash == a.Hash {
		t.Error("changing a radius did not change the hash")
	}
}

func TestAdjust(t *testing.T) {
	tk := testTask(t)

	tests := []struct {
		name     string
		handicap float64
		max      float64
	}{
		{"slowest glider", 90, 110},
		{"close to best", 105, 110},
		{"best glider", 110, 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := Adjust(tk, tt.handicap, tt.max)
			want := tk.Distance * tt.handicap / tt.max
			if !almostEqual(adj.Distance, want, 1e-6) {
				t.Errorf("adjusted distance = %v, want %v", adj.Distance, want)
			}
			if tt.handicap < tt.max {
				if adj.Hash == tk.Hash {
					t.Error("adjusted task should hash differently")
				}
				for i := 1; i < len(adj.Legs)-1; i++ {
					if adj.Legs[i].R2 <= tk.Legs[i].R2 {
						t.Errorf("leg %d R2 not enlarged", i)
					}
					if adj.Legs[i].R2 > adj.Legs[i].R1 {
						t.Errorf("leg %d R2 > R1", i)
					}
				}
			}
		})
	}

	// The source task is untouched.
	again := testTask(t)
	if tk.Hash != again.Hash || tk.Legs[1].R2 != 0.5 {
		t.Error("Adjust modified its input")
	}
}

func TestAdjustSkipsNonSymmetric(t *testing.T) {
	tk := testTask(t)
	legs := append([]Leg(nil), tk.Legs...)
	legs[1].Direction = DirFixed
	legs[1].A12 = 300
	fixed, err := New("t2", "club", DistanceHandicap, legs)
	if err != nil {
		t.Fatal(err)
	}
	adj := Adjust(fixed, 90, 110)
	if adj.Legs[1].R2 != fixed.Legs[1].R2 {
		t.Error("fixed-direction leg was adjusted")
	}
	if adj.Legs[2].Credit == 0 {
		t.Error("symmetric leg was not adjusted")
	}
}

func TestHandicapFactor(t *testing.T) {
	if got := HandicapFactor(100, 0); got != 1 {
		t.Errorf("HandicapFactor(100,0) = %v", got)
	}
	if got := HandicapFactor(10, 5); got != 4 {
		t.Errorf("HandicapFactor floor = %v, want 4", got)
	}
}

func TestDefinitionBuild(t *testing.T) {
	const js = `{
		"id": "day1-club", "class": "club", "type": "A", "durationSeconds": 10800,
		"legs": [
			{"legno": 2, "type": "sector", "direction": "pp", "lat": 51.0, "lon": -1.0, "r1": 3, "a1": 180},
			{"legno": 0, "type": "line", "direction": "np", "lat": "51°00'00\"N", "lon": "1°00'00\"W", "r1": 3},
			{"legno": 1, "type": "sector", "direction": "symmetrical", "lat": "51.5", "lon": -1.0, "r1": 20, "a1": 180}
		]
	}`
	def, err := ParseDefinition(strings.NewReader(js))
	if err != nil {
		t.Fatalf("ParseDefinition() error = %v", err)
	}
	tk, err := def.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if tk.Type != AssignedArea || tk.Duration.Hours() != 3 {
		t.Errorf("type %v duration %v", tk.Type, tk.Duration)
	}
	if tk.Legs[0].Kind != KindLine || !almostEqual(tk.Legs[0].Center.Lat(), 51, 1e-9) {
		t.Errorf("leg 0 = %+v", tk.Legs[0])
	}
	if !almostEqual(tk.Legs[1].Center.Lat(), 51.5, 1e-9) {
		t.Errorf("leg 1 lat = %v", tk.Legs[1].Center.Lat())
	}

	def.Legs[2].LegNo = 0
	if _, err := def.Build(); err == nil {
		t.Error("duplicate leg number accepted")
	}
	def.Type = "Q"
	if _, err := def.Build(); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestGeoJSON(t *testing.T) {
	tk := testTask(t)
	fc := tk.GeoJSON()
	if len(fc.Features) != len(tk.Legs)+1 {
		t.Fatalf("features = %d, want %d", len(fc.Features), len(tk.Legs)+1)
	}
	b, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), "FeatureCollection") {
		t.Error("not a feature collection")
	}
}
