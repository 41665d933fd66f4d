// Package database provides the PostgreSQL connection and upsert
// functionality for the ETL service. Canonical sample records are stored as
// one document-shaped row per sample, keyed by the strong hash.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/threatstash/threatstash/internal/models"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// Connect creates a database manager with a PostgreSQL connection pool using
// the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// Upsert inserts the sample record, replacing any existing row with the same
// hash in full. Inserting, replacing with changes and replacing without
// changes all succeed.
func (db Manager) Upsert(ctx context.Context, rec models.SampleRecord) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	rawResponse, err := json.Marshal(rec.RawResponse.Value())
	if err != nil {
		return fmt.Errorf("failed to encode raw response: %v", err)
	}

	table := pgx.Identifier{"samples"}.Sanitize()
	query := fmt.Sprintf(
		`INSERT INTO %s (
			sha256,
			ingestion_timestamp,
			source,
			pipeline_version,
			raw_response,
			md5,
			sha1,
			sha256_confirmed,
			ssdeep,
			file_type,
			sources,
			date_added,
			date_added_parsed,
			sample_type,
			data_completeness
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (sha256) DO UPDATE SET
			ingestion_timestamp = EXCLUDED.ingestion_timestamp,
			source = EXCLUDED.source,
			pipeline_version = EXCLUDED.pipeline_version,
			raw_response = EXCLUDED.raw_response,
			md5 = EXCLUDED.md5,
			sha1 = EXCLUDED.sha1,
			sha256_confirmed = EXCLUDED.sha256_confirmed,
			ssdeep = EXCLUDED.ssdeep,
			file_type = EXCLUDED.file_type,
			sources = EXCLUDED.sources,
			date_added = EXCLUDED.date_added,
			date_added_parsed = EXCLUDED.date_added_parsed,
			sample_type = EXCLUDED.sample_type,
			data_completeness = EXCLUDED.data_completeness`,
		table,
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = db.dbpool.Exec(ctx, query,
		rec.SHA256,                 // sha256
		rec.IngestionTimestamp,     // ingestion_timestamp
		rec.Source,                 // source
		rec.PipelineVersion,        // pipeline_version
		rawResponse,                // raw_response
		rec.Fields.MD5,             // md5
		rec.Fields.SHA1,            // sha1
		rec.Fields.SHA256Confirmed, // sha256_confirmed
		rec.Fields.SSDeep,          // ssdeep
		rec.Fields.FileType,        // file_type
		rec.Fields.Sources,         // sources
		rec.Fields.DateAdded,       // date_added
		rec.DateAddedParsed,        // date_added_parsed
		rec.SampleType,             // sample_type
		rec.DataCompleteness,       // data_completeness
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("upsert canceled: %v", err)
		}
		return fmt.Errorf("failed to upsert sample: %v", err)
	}
	return nil
}

// CollectionStats summarizes the stored samples collection.
type CollectionStats struct {
	TotalDocuments  int64
	SampleTypes     map[string]int64
	LatestIngestion *time.Time
}

// Stats returns statistics about the stored samples.
func (db Manager) Stats(ctx context.Context) (CollectionStats, error) {
	if db.dbpool == nil {
		return CollectionStats{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats := CollectionStats{SampleTypes: make(map[string]int64)}

	if err := db.dbpool.QueryRow(ctx, `SELECT COUNT(*) FROM samples`).Scan(&stats.TotalDocuments); err != nil {
		return CollectionStats{}, fmt.Errorf("failed to count samples: %v", err)
	}

	rows, err := db.dbpool.Query(ctx, `SELECT sample_type, COUNT(*) FROM samples GROUP BY sample_type`)
	if err != nil {
		return CollectionStats{}, fmt.Errorf("failed to query sample type distribution: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sampleType string
		var count int64
		if err := rows.Scan(&sampleType, &count); err != nil {
			return CollectionStats{}, fmt.Errorf("failed to scan sample type row: %v", err)
		}
		stats.SampleTypes[sampleType] = count
	}
	if err := rows.Err(); err != nil {
		return CollectionStats{}, fmt.Errorf("failed to read sample type rows: %v", err)
	}

	if err := db.dbpool.QueryRow(ctx, `SELECT MAX(ingestion_timestamp) FROM samples`).Scan(&stats.LatestIngestion); err != nil {
		return CollectionStats{}, fmt.Errorf("failed to query latest ingestion: %v", err)
	}

	return stats, nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
