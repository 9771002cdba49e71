// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package registry manages namespaces: opaque ids, unique names, and the
// bearer tokens that authorize writes into a namespace. Records persist
// in DuckDB and are mirrored in three in-memory indices for O(1) lookup.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

var (
	// ErrInvalidName is returned when a namespace name fails the grammar.
	ErrInvalidName = errors.New("namespace name must be 3-32 chars of [a-z0-9_-]")

	// ErrNameTaken is returned when the name is already registered.
	ErrNameTaken = errors.New("namespace name already registered")

	// ErrNotFound is returned when a namespace does not exist.
	ErrNotFound = errors.New("namespace not found")

	// ErrUnauthorized is returned when a token does not own the namespace.
	ErrUnauthorized = errors.New("token does not match namespace")
)

// Namespace is one registered namespace. Callers receive value copies.
type Namespace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry keeps the three indices consistent under one lock. Inserts
// persist first; a failed write leaves memory untouched.
type Registry struct {
	db *sql.DB

	mu      sync.RWMutex
	byID    map[string]Namespace
	byName  map[string]Namespace
	byToken map[string]Namespace
}

// Open builds a registry over the given database, creating the table if
// needed and loading existing rows into the indices.
func Open(ctx context.Context, db *sql.DB) (*Registry, error) {
	r := &Registry{
		db:      db,
		byID:    make(map[string]Namespace),
		byName:  make(map[string]Namespace),
		byToken: make(map[string]Namespace),
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS namespaces (
			id         VARCHAR PRIMARY KEY,
			name       VARCHAR NOT NULL UNIQUE,
			token      VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create namespaces table: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name, token, created_at FROM namespaces`)
	if err != nil {
		return nil, fmt.Errorf("load namespaces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.ID, &ns.Name, &ns.Token, &ns.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		r.insertLocked(ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate namespaces: %w", err)
	}
	return r, nil
}

// Register validates the name, generates id and token, persists, and only
// then updates the in-memory indices.
func (r *Registry) Register(ctx context.Context, name string) (Namespace, error) {
	if !namePattern.MatchString(name) {
		return Namespace{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return Namespace{}, ErrNameTaken
	}

	id, err := randomHex(4)
	if err != nil {
		return Namespace{}, fmt.Errorf("generate namespace id: %w", err)
	}
	token, err := randomHex(16)
	if err != nil {
		return Namespace{}, fmt.Errorf("generate namespace token: %w", err)
	}

	ns := Namespace{
		ID:        "ns_" + id,
		Name:      name,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO namespaces (id, name, token, created_at) VALUES (?, ?, ?, ?)`,
		ns.ID, ns.Name, ns.Token, ns.CreatedAt)
	if err != nil {
		return Namespace{}, fmt.Errorf("persist namespace: %w", err)
	}

	r.insertLocked(ns)
	return ns, nil
}

// LookupByName returns the namespace registered under name.
func (r *Registry) LookupByName(name string) (Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.byName[name]
	return ns, ok
}

// LookupByToken returns the namespace owning the token.
func (r *Registry) LookupByToken(token string) (Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.byToken[token]
	return ns, ok
}

// ValidateToken checks that token owns the named namespace. Comparison is
// constant-time.
func (r *Registry) ValidateToken(token, name string) error {
	r.mu.RLock()
	ns, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(ns.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// List returns all namespaces, tokens omitted.
func (r *Registry) List() []Namespace {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Namespace, 0, len(r.byID))
	for _, ns := range r.byID {
		ns.Token = ""
		out = append(out, ns)
	}
	return out
}

// Delete removes the namespace from persistence and all indices. Deleting
// an absent name is a no-op.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.byName[name]
	if !ok {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}

	delete(r.byID, ns.ID)
	delete(r.byName, ns.Name)
	delete(r.byToken, ns.Token)
	return nil
}

// insertLocked updates the three indices. Caller holds mu (or is still
// single-threaded during Open).
func (r *Registry) insertLocked(ns Namespace) {
	r.byID[ns.ID] = ns
	r.byName[ns.Name] = ns
	r.byToken[ns.Token] = ns
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
