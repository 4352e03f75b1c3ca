// Package store archives observer events to SQLite for later analysis.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/willglynn/taptap/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS power_reports (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	gateway_id   INTEGER NOT NULL,
	node_id      INTEGER NOT NULL,
	long_address TEXT,
	timestamp    TEXT,
	voltage_in   REAL NOT NULL,
	voltage_out  REAL NOT NULL,
	current      REAL NOT NULL,
	duty_cycle   REAL NOT NULL,
	temperature  REAL NOT NULL,
	rssi         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_power_reports_node ON power_reports(gateway_id, node_id);

CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	kind    TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

// Archive is an EventSink backed by SQLite. Power reports get a typed table;
// every other event is stored as JSON.
type Archive struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens an archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	return &Archive{
		db:     db,
		logger: log.With().Str("component", "store").Logger(),
	}, nil
}

// Publish implements domain.EventSink.
func (a *Archive) Publish(ctx context.Context, event domain.Event) error {
	if report, ok := event.(domain.PowerReportEvent); ok {
		return a.insertPowerReport(ctx, report)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO events (kind, payload) VALUES (?, ?)`,
		event.Kind(), string(payload)); err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	return nil
}

func (a *Archive) insertPowerReport(ctx context.Context, report domain.PowerReportEvent) error {
	var address interface{}
	if report.Node.Address != nil {
		address = report.Node.Address.String()
	}
	var timestamp interface{}
	if report.Timestamp != nil {
		timestamp = report.Timestamp.Format(time.RFC3339Nano)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO power_reports (
			gateway_id, node_id, long_address, timestamp,
			voltage_in, voltage_out, current, duty_cycle, temperature, rssi
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint16(report.Gateway.ID), uint16(report.Node.ID), address, timestamp,
		report.VoltageIn, report.VoltageOut, report.Current,
		report.DutyCycle, report.Temperature, uint8(report.RSSI),
	)
	if err != nil {
		return fmt.Errorf("failed to archive power report: %w", err)
	}
	return nil
}

// PowerReportCount returns the number of archived power reports.
func (a *Archive) PowerReportCount(ctx context.Context) (int64, error) {
	var count int64
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM power_reports`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count power reports: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
