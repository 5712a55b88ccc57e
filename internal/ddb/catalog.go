// Package ddb holds the device registration directory: which tracking device
// is fitted to which aircraft. Entries are imported from the OGN CSV export
// and cached in SQLite so a restart does not depend on the upstream service.
package ddb

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id    TEXT PRIMARY KEY,
	device_type  TEXT NOT NULL DEFAULT '',
	model        TEXT NOT NULL DEFAULT '',
	registration TEXT NOT NULL DEFAULT '',
	compno       TEXT NOT NULL DEFAULT '',
	tracked      INTEGER NOT NULL DEFAULT 1,
	identified   INTEGER NOT NULL DEFAULT 1,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_registration ON devices(registration);
`

// ErrEmpty is returned when an import contains no devices.
var ErrEmpty = errors.New("device list is empty")

// Device is one registration entry.
type Device struct {
	ID           string `json:"deviceId"`
	Type         string `json:"deviceType"`
	Model        string `json:"model"`
	Registration string `json:"registration"`
	CompNo       string `json:"compno"`
	Tracked      bool   `json:"tracked"`
	Identified   bool   `json:"identified"`
}

// Catalog is the in-memory directory backed by SQLite.
type Catalog struct {
	db      *sql.DB
	mu      sync.RWMutex
	devices map[string]Device
}

// Open opens or creates the catalog at path. An empty path or ":memory:"
// keeps the catalog in memory.
func Open(path string) (*Catalog, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Catalog{db: db, devices: make(map[string]Device)}
	if err := c.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) load() error {
	rows, err := c.db.Query(`
		SELECT device_id, device_type, model, registration, compno, tracked, identified
		FROM devices
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Type, &d.Model, &d.Registration, &d.CompNo, &d.Tracked, &d.Identified); err != nil {
			continue
		}
		c.devices[d.ID] = d
	}
	return rows.Err()
}

// Lookup returns the entry for a device id. Ids are case-insensitive.
func (c *Catalog) Lookup(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[NormaliseID(id)]
	return d, ok
}

// ByRegistration returns every device fitted to an aircraft.
func (c *Catalog) ByRegistration(reg string) []Device {
	reg = NormaliseRegistration(reg)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Device
	for _, d := range c.devices {
		if NormaliseRegistration(d.Registration) == reg {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of devices held.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// Replace swaps the catalog contents for devices in one transaction.
func (c *Catalog) Replace(ctx context.Context, devices []Device) error {
	if len(devices) == 0 {
		return ErrEmpty
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices (device_id, device_type, model, registration, compno, tracked, identified, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_type = excluded.device_type,
			model = excluded.model,
			registration = excluded.registration,
			compno = excluded.compno,
			tracked = excluded.tracked,
			identified = excluded.identified,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC()
	next := make(map[string]Device, len(devices))
	for _, d := range devices {
		d.ID = NormaliseID(d.ID)
		if _, err := stmt.ExecContext(ctx, d.ID, d.Type, d.Model, d.Registration, d.CompNo, d.Tracked, d.Identified, now); err != nil {
			return fmt.Errorf("insert %s: %w", d.ID, err)
		}
		next[d.ID] = d
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	c.devices = next
	c.mu.Unlock()
	return nil
}

// Refresh downloads the CSV export at url and replaces the catalog.
func (c *Catalog) Refresh(ctx context.Context, client *http.Client, url string) (int, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch device list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch device list: unexpected status %s", resp.Status)
	}

	devices, err := Parse(resp.Body)
	if err != nil {
		return 0, err
	}
	if err := c.Replace(ctx, devices); err != nil {
		return 0, err
	}
	return len(devices), nil
}

// Parse reads the OGN export: a '#'-prefixed header line followed by rows of
// single-quoted fields
// DEVICE_TYPE,DEVICE_ID,AIRCRAFT_MODEL,REGISTRATION,CN,TRACKED,IDENTIFIED.
// Rows with too few fields or no device id are skipped.
func Parse(r io.Reader) ([]Device, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []Device
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse device list: %w", err)
		}
		if len(rec) < 5 {
			continue
		}
		for i := range rec {
			rec[i] = unquote(rec[i])
		}
		d := Device{
			Type:         rec[0],
			ID:           NormaliseID(rec[1]),
			Model:        rec[2],
			Registration: rec[3],
			CompNo:       rec[4],
			Tracked:      true,
			Identified:   true,
		}
		if d.ID == "" {
			continue
		}
		if len(rec) > 5 {
			d.Tracked = rec[5] != "N"
		}
		if len(rec) > 6 {
			d.Identified = rec[6] != "N"
		}
		out = append(out, d)
	}
	return out, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.Trim(s, "'"))
}

// NormaliseID upper-cases a device id and strips any "FLR"/"OGN"/"ICA"
// style prefix so ids from different feeds compare equal.
func NormaliseID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) == 9 {
		switch id[:3] {
		case "FLR", "OGN", "ICA", "FNT", "SKY", "PAW":
			id = id[3:]
		}
	}
	return id
}

// NormaliseRegistration upper-cases a registration and drops separators.
func NormaliseRegistration(reg string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.ToUpper(strings.TrimSpace(reg)))
}
