// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package sources runs user-defined polling sources as supervised
// subprocesses: a generic HTTP polling engine driven by a rendered YAML
// config, and tap extractors speaking line-delimited JSON. Source
// descriptors persist in DuckDB; bearer tokens are encrypted at rest and
// reach subprocesses only through environment variables.
package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EckmanTechLLC/flux/internal/config"
)

// ErrNotFound is returned when a source id does not exist.
var ErrNotFound = errors.New("source not found")

// GenericSource describes one generic HTTP polling source.
type GenericSource struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	IntervalSecs int       `json:"interval_secs"`
	AuthScheme   string    `json:"auth_scheme"`
	KeyField     string    `json:"key_field"`
	Namespace    string    `json:"namespace"`
	BearerToken  string    `json:"-"`
	OutputToken  string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// NamedSource describes one tap extractor source.
type NamedSource struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Tap              string         `json:"tap"`
	Config           map[string]any `json:"config"`
	EntityKeyField   string         `json:"entity_key_field"`
	Namespace        string         `json:"namespace"`
	OutputToken      string         `json:"-"`
	PollIntervalSecs int            `json:"poll_interval_secs"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Store persists source descriptors. Writes serialize behind a mutex,
// mirroring the credential store.
type Store struct {
	db  *sql.DB
	enc *config.Encryptor

	writeMu sync.Mutex
}

// Open creates the tables if needed and returns a store.
func Open(ctx context.Context, db *sql.DB, enc *config.Encryptor) (*Store, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS generic_sources (
			id                  VARCHAR PRIMARY KEY,
			name                VARCHAR NOT NULL,
			url                 VARCHAR NOT NULL,
			interval_secs       INTEGER NOT NULL,
			auth_scheme         VARCHAR NOT NULL,
			key_field           VARCHAR NOT NULL,
			namespace           VARCHAR NOT NULL,
			bearer_token_ct     VARCHAR,
			bearer_token_nonce  VARCHAR,
			output_token_ct     VARCHAR NOT NULL,
			output_token_nonce  VARCHAR NOT NULL,
			created_at          TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS named_sources (
			id                  VARCHAR PRIMARY KEY,
			name                VARCHAR NOT NULL,
			tap                 VARCHAR NOT NULL,
			config_json         VARCHAR NOT NULL,
			entity_key_field    VARCHAR NOT NULL,
			namespace           VARCHAR NOT NULL,
			output_token_ct     VARCHAR NOT NULL,
			output_token_nonce  VARCHAR NOT NULL,
			poll_interval_secs  INTEGER NOT NULL,
			created_at          TIMESTAMP NOT NULL
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create source tables: %w", err)
	}
	return &Store{db: db, enc: enc}, nil
}

// CreateGeneric persists a generic source, assigning its id.
func (s *Store) CreateGeneric(ctx context.Context, src GenericSource) (GenericSource, error) {
	if src.URL == "" || src.Namespace == "" {
		return GenericSource{}, errors.New("url and namespace are required")
	}
	if src.IntervalSecs <= 0 {
		src.IntervalSecs = 60
	}

	src.ID = uuid.NewString()
	src.CreatedAt = time.Now().UTC()

	var bearerCT, bearerNonce sql.NullString
	if src.BearerToken != "" {
		ct, nonce, err := s.enc.Seal(src.BearerToken)
		if err != nil {
			return GenericSource{}, fmt.Errorf("seal bearer token: %w", err)
		}
		bearerCT = sql.NullString{String: ct, Valid: true}
		bearerNonce = sql.NullString{String: nonce, Valid: true}
	}
	outCT, outNonce, err := s.enc.Seal(src.OutputToken)
	if err != nil {
		return GenericSource{}, fmt.Errorf("seal output token: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generic_sources
			(id, name, url, interval_secs, auth_scheme, key_field, namespace,
			 bearer_token_ct, bearer_token_nonce, output_token_ct, output_token_nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.URL, src.IntervalSecs, src.AuthScheme, src.KeyField,
		src.Namespace, bearerCT, bearerNonce, outCT, outNonce, src.CreatedAt)
	if err != nil {
		return GenericSource{}, fmt.Errorf("insert generic source: %w", err)
	}
	return src, nil
}

// GetGeneric returns one generic source with decrypted tokens.
func (s *Store) GetGeneric(ctx context.Context, id string) (GenericSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, interval_secs, auth_scheme, key_field, namespace,
		       bearer_token_ct, bearer_token_nonce, output_token_ct, output_token_nonce, created_at
		FROM generic_sources WHERE id = ?`, id)

	src, err := s.scanGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return GenericSource{}, ErrNotFound
	}
	return src, err
}

// ListGeneric returns every generic source with decrypted tokens.
func (s *Store) ListGeneric(ctx context.Context) ([]GenericSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, interval_secs, auth_scheme, key_field, namespace,
		       bearer_token_ct, bearer_token_nonce, output_token_ct, output_token_nonce, created_at
		FROM generic_sources ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query generic sources: %w", err)
	}
	defer rows.Close()

	var out []GenericSource
	for rows.Next() {
		src, err := s.scanGeneric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteGeneric removes a generic source, reporting whether it existed.
func (s *Store) DeleteGeneric(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM generic_sources WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete generic source: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) scanGeneric(row scanner) (GenericSource, error) {
	var (
		src                     GenericSource
		bearerCT, bearerNonce   sql.NullString
		outCT, outNonce         string
	)
	err := row.Scan(&src.ID, &src.Name, &src.URL, &src.IntervalSecs, &src.AuthScheme,
		&src.KeyField, &src.Namespace, &bearerCT, &bearerNonce, &outCT, &outNonce, &src.CreatedAt)
	if err != nil {
		return GenericSource{}, err
	}

	if bearerCT.Valid && bearerNonce.Valid {
		src.BearerToken, err = s.enc.Open(bearerCT.String, bearerNonce.String)
		if err != nil {
			return GenericSource{}, fmt.Errorf("decrypt bearer token: %w", err)
		}
	}
	src.OutputToken, err = s.enc.Open(outCT, outNonce)
	if err != nil {
		return GenericSource{}, fmt.Errorf("decrypt output token: %w", err)
	}
	return src, nil
}
