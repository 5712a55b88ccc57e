package ddb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCSV = `#DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED
'F','DD1234','ASG 29','G-CKAB','KA','Y','Y'
'O','abc123','Discus 2','D-1234','XY','Y','N'
'F','','broken','',''
'I','4CA123','Duo Discus','G-CKDD','DD','N','Y'
`

func TestParse(t *testing.T) {
	devices, err := Parse(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}

	tests := []struct {
		idx        int
		id, reg    string
		cn         string
		tracked    bool
		identified bool
	}{
		{0, "DD1234", "G-CKAB", "KA", true, true},
		{1, "ABC123", "D-1234", "XY", true, false},
		{2, "4CA123", "G-CKDD", "DD", false, true},
	}
	for _, tt := range tests {
		d := devices[tt.idx]
		if d.ID != tt.id || d.Registration != tt.reg || d.CompNo != tt.cn {
			t.Errorf("device %d = %+v", tt.idx, d)
		}
		if d.Tracked != tt.tracked || d.Identified != tt.identified {
			t.Errorf("device %d flags = %v/%v, want %v/%v", tt.idx, d.Tracked, d.Identified, tt.tracked, tt.identified)
		}
	}
}

func TestNormaliseID(t *testing.T) {
	tests := map[string]string{
		"dd1234":    "DD1234",
		"FLRDD1234": "DD1234",
		"OGNABC123": "ABC123",
		" abc ":     "ABC",
		"XYZDD1234": "XYZDD1234",
	}
	for in, want := range tests {
		if got := NormaliseID(in); got != want {
			t.Errorf("NormaliseID(%q) = %q, want %q", in, got, want)
		}
	}
	if got := NormaliseRegistration("g-ckab "); got != "GCKAB" {
		t.Errorf("NormaliseRegistration() = %q", got)
	}
}

func TestCatalogReplaceAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddb.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	devices, _ := Parse(strings.NewReader(sampleCSV))
	if err := c.Replace(context.Background(), devices); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if d, ok := c.Lookup("flrdd1234"); !ok || d.Registration != "G-CKAB" {
		t.Errorf("Lookup() = %+v, %v", d, ok)
	}
	if got := c.ByRegistration("gckdd"); len(got) != 1 || got[0].ID != "4CA123" {
		t.Errorf("ByRegistration() = %+v", got)
	}
	_ = c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c.Close()
	if c.Len() != 3 {
		t.Errorf("Len() after reopen = %d, want 3", c.Len())
	}
}

func TestReplaceEmpty(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Replace(context.Background(), nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("Replace(nil) error = %v, want ErrEmpty", err)
	}
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	n, err := c.Refresh(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n != 3 || c.Len() != 3 {
		t.Errorf("Refresh() = %d, Len() = %d, want 3", n, c.Len())
	}
}
