// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

type scanner interface {
	Scan(dest ...any) error
}

// CreateNamed persists a named (tap) source, assigning its id.
func (s *Store) CreateNamed(ctx context.Context, src NamedSource) (NamedSource, error) {
	if src.Tap == "" || src.Namespace == "" {
		return NamedSource{}, errors.New("tap and namespace are required")
	}
	if src.PollIntervalSecs <= 0 {
		src.PollIntervalSecs = 300
	}
	if src.Config == nil {
		src.Config = map[string]any{}
	}

	src.ID = uuid.NewString()
	src.CreatedAt = time.Now().UTC()

	cfgJSON, err := json.Marshal(src.Config)
	if err != nil {
		return NamedSource{}, fmt.Errorf("marshal tap config: %w", err)
	}
	outCT, outNonce, err := s.enc.Seal(src.OutputToken)
	if err != nil {
		return NamedSource{}, fmt.Errorf("seal output token: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO named_sources
			(id, name, tap, config_json, entity_key_field, namespace,
			 output_token_ct, output_token_nonce, poll_interval_secs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.Tap, string(cfgJSON), src.EntityKeyField,
		src.Namespace, outCT, outNonce, src.PollIntervalSecs, src.CreatedAt)
	if err != nil {
		return NamedSource{}, fmt.Errorf("insert named source: %w", err)
	}
	return src, nil
}

// GetNamed returns one named source with its decrypted output token.
func (s *Store) GetNamed(ctx context.Context, id string) (NamedSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, tap, config_json, entity_key_field, namespace,
		       output_token_ct, output_token_nonce, poll_interval_secs, created_at
		FROM named_sources WHERE id = ?`, id)

	src, err := s.scanNamed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return NamedSource{}, ErrNotFound
	}
	return src, err
}

// ListNamed returns every named source.
func (s *Store) ListNamed(ctx context.Context) ([]NamedSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tap, config_json, entity_key_field, namespace,
		       output_token_ct, output_token_nonce, poll_interval_secs, created_at
		FROM named_sources ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query named sources: %w", err)
	}
	defer rows.Close()

	var out []NamedSource
	for rows.Next() {
		src, err := s.scanNamed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteNamed removes a named source, reporting whether it existed.
func (s *Store) DeleteNamed(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM named_sources WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete named source: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) scanNamed(row scanner) (NamedSource, error) {
	var (
		src              NamedSource
		cfgJSON          string
		outCT, outNonce  string
	)
	err := row.Scan(&src.ID, &src.Name, &src.Tap, &cfgJSON, &src.EntityKeyField,
		&src.Namespace, &outCT, &outNonce, &src.PollIntervalSecs, &src.CreatedAt)
	if err != nil {
		return NamedSource{}, err
	}

	if err := json.Unmarshal([]byte(cfgJSON), &src.Config); err != nil {
		return NamedSource{}, fmt.Errorf("decode tap config: %w", err)
	}
	src.OutputToken, err = s.enc.Open(outCT, outNonce)
	if err != nil {
		return NamedSource{}, fmt.Errorf("decrypt output token: %w", err)
	}
	return src, nil
}
