// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package credentials persists per-(user, connector) OAuth tokens in
// DuckDB, encrypted at rest. Each token is sealed separately with its own
// nonce; decryption is authenticated.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EckmanTechLLC/flux/internal/config"
)

// ErrNotFound is returned when no credential exists for the key.
var ErrNotFound = errors.New("credential not found")

// Credential is a decrypted credential record.
type Credential struct {
	UserID       string
	Connector    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the encrypted credential store. Writes serialize behind a
// mutex; reads may proceed concurrently.
type Store struct {
	db  *sql.DB
	enc *config.Encryptor

	writeMu sync.Mutex
}

// Open creates the table if needed and returns a store.
func Open(ctx context.Context, db *sql.DB, enc *config.Encryptor) (*Store, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS credentials (
			user_id             VARCHAR NOT NULL,
			connector           VARCHAR NOT NULL,
			access_token_ct     VARCHAR NOT NULL,
			access_token_nonce  VARCHAR NOT NULL,
			refresh_token_ct    VARCHAR,
			refresh_token_nonce VARCHAR,
			expires_at          TIMESTAMP,
			created_at          TIMESTAMP NOT NULL,
			updated_at          TIMESTAMP NOT NULL,
			UNIQUE (user_id, connector)
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	return &Store{db: db, enc: enc}, nil
}

// Store upserts a credential, sealing each token with a fresh nonce.
func (s *Store) Store(ctx context.Context, c Credential) error {
	if c.UserID == "" || c.Connector == "" {
		return errors.New("user_id and connector are required")
	}
	if c.AccessToken == "" {
		return errors.New("access_token is required")
	}

	accessCT, accessNonce, err := s.enc.Seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	var refreshCT, refreshNonce sql.NullString
	if c.RefreshToken != "" {
		ct, nonce, err := s.enc.Seal(c.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		refreshCT = sql.NullString{String: ct, Valid: true}
		refreshNonce = sql.NullString{String: nonce, Valid: true}
	}

	var expires sql.NullTime
	if c.ExpiresAt != nil {
		expires = sql.NullTime{Time: c.ExpiresAt.UTC(), Valid: true}
	}

	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token_ct = ?, access_token_nonce = ?,
		    refresh_token_ct = ?, refresh_token_nonce = ?,
		    expires_at = ?, updated_at = ?
		WHERE user_id = ? AND connector = ?`,
		accessCT, accessNonce, refreshCT, refreshNonce, expires, now,
		c.UserID, c.Connector)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials
			(user_id, connector, access_token_ct, access_token_nonce,
			 refresh_token_ct, refresh_token_nonce, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UserID, c.Connector, accessCT, accessNonce,
		refreshCT, refreshNonce, expires, now, now)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Update is an alias for Store; refreshes overwrite the whole record.
func (s *Store) Update(ctx context.Context, c Credential) error {
	return s.Store(ctx, c)
}

// Get returns the decrypted credential for (userID, connector).
func (s *Store) Get(ctx context.Context, userID, connector string) (Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, connector, access_token_ct, access_token_nonce,
		       refresh_token_ct, refresh_token_nonce, expires_at, created_at, updated_at
		FROM credentials WHERE user_id = ? AND connector = ?`,
		userID, connector)

	c, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	return c, err
}

// Delete removes the credential, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, userID, connector string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND connector = ?`,
		userID, connector)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByUser returns all decrypted credentials for one user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Credential, error) {
	return s.list(ctx, `
		SELECT user_id, connector, access_token_ct, access_token_nonce,
		       refresh_token_ct, refresh_token_nonce, expires_at, created_at, updated_at
		FROM credentials WHERE user_id = ? ORDER BY connector`, userID)
}

// ListAll returns every decrypted credential. The discovery loop uses
// this to build the desired scheduler set.
func (s *Store) ListAll(ctx context.Context) ([]Credential, error) {
	return s.list(ctx, `
		SELECT user_id, connector, access_token_ct, access_token_nonce,
		       refresh_token_ct, refresh_token_nonce, expires_at, created_at, updated_at
		FROM credentials ORDER BY user_id, connector`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scan(row scanner) (Credential, error) {
	var (
		c                         Credential
		accessCT, accessNonce     string
		refreshCT, refreshNonce   sql.NullString
		expires                   sql.NullTime
	)
	err := row.Scan(&c.UserID, &c.Connector, &accessCT, &accessNonce,
		&refreshCT, &refreshNonce, &expires, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Credential{}, err
	}

	c.AccessToken, err = s.enc.Open(accessCT, accessNonce)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if refreshCT.Valid && refreshNonce.Valid {
		c.RefreshToken, err = s.enc.Open(refreshCT.String, refreshNonce.String)
		if err != nil {
			return Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	return c, nil
}
