// Package history keeps a rolling log of sensor readings and actuator
// outputs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/carefarm/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at_ms         INTEGER NOT NULL,
	temperature   REAL    NOT NULL,
	humidity      REAL    NOT NULL,
	soil_moisture REAL    NOT NULL,
	light         REAL    NOT NULL,
	fan           INTEGER NOT NULL,
	pump          INTEGER NOT NULL,
	heater        INTEGER NOT NULL,
	grow_light    INTEGER NOT NULL,
	white_led     INTEGER NOT NULL,
	mode          TEXT    NOT NULL
)`

// Record is one logged row.
type Record struct {
	At        time.Time           `json:"at"`
	Sensors   state.SensorReading `json:"sensors"`
	Actuators state.ActuatorState `json:"actuators"`
	Mode      state.Mode          `json:"mode"`
}

// Recorder appends snapshots to the readings table and prunes it to the
// newest retain rows.
type Recorder struct {
	db     *sql.DB
	retain int
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, retain int, logger *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create readings table: %w", err)
	}
	return &Recorder{db: db, retain: retain, logger: logger}, nil
}

// Record appends snap taken at at.
func (r *Recorder) Record(ctx context.Context, at time.Time, snap state.Snapshot) error {
	s, a := snap.Sensors, snap.Actuators
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO readings (at_ms, temperature, humidity, soil_moisture, light,
			fan, pump, heater, grow_light, white_led, mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), s.Temperature, s.Humidity, s.SoilMoisture, s.Light,
		a.Fan, a.Pump, boolInt(a.Heater), boolInt(a.GrowLight), boolInt(a.WhiteLED), string(snap.Mode))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	if r.retain > 0 {
		_, err = r.db.ExecContext(ctx, `
			DELETE FROM readings WHERE id <= (
				SELECT id FROM readings ORDER BY id DESC LIMIT 1 OFFSET ?
			)`, r.retain)
		if err != nil {
			return fmt.Errorf("prune readings: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit of the newest rows, oldest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT at_ms, temperature, humidity, soil_moisture, light,
			fan, pump, heater, grow_light, white_led, mode
		FROM readings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                         Record
			atMs                        int64
			fan, pump                   int
			heater, growLight, whiteLED int
			mode                        string
		)
		err := rows.Scan(&atMs, &rec.Sensors.Temperature, &rec.Sensors.Humidity,
			&rec.Sensors.SoilMoisture, &rec.Sensors.Light,
			&fan, &pump, &heater, &growLight, &whiteLED, &mode)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		rec.At = time.UnixMilli(atMs).UTC()
		rec.Actuators = state.ActuatorState{
			Fan:       uint8(fan),
			Pump:      uint8(pump),
			Heater:    heater != 0,
			GrowLight: growLight != 0,
			WhiteLED:  whiteLED != 0,
		}
		rec.Mode = state.Mode(mode)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Run records src every interval until ctx is cancelled. Snapshots without
// a sensor reading, or whose reading has already been logged, are skipped.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, src func() state.Snapshot) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	return r.run(ctx, ticker.C, src)
}

func (r *Recorder) run(ctx context.Context, tick <-chan time.Time, src func() state.Snapshot) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-tick:
			snap := src()
			if snap.SensorsAt.IsZero() || snap.SensorsAt.Equal(last) {
				continue
			}
			if err := r.Record(ctx, t, snap); err != nil {
				r.logger.Warn("history write failed", "error", err, "err_class", "persistence")
				continue
			}
			last = snap.SensorsAt
		}
	}
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
