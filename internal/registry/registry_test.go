// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestRegistry(t *testing.T) (*Registry, *sql.DB) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	r, err := Open(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return r, db
}

func TestRegister(t *testing.T) {
	r, _ := openTestRegistry(t)

	ns, err := r.Register(context.Background(), "home-assistant")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ns.ID, "ns_") || len(ns.ID) != 11 {
		t.Errorf("id = %q", ns.ID)
	}
	if len(ns.Token) != 32 {
		t.Errorf("token length = %d", len(ns.Token))
	}
	if ns.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestRegisterNameGrammar(t *testing.T) {
	r, _ := openTestRegistry(t)

	bad := []string{"", "ab", "UPPER", "has space", "has.dot", strings.Repeat("a", 33)}
	for _, name := range bad {
		if _, err := r.Register(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Register(%q) = %v, want ErrInvalidName", name, err)
		}
	}

	good := []string{"abc", "my_ns-1", strings.Repeat("a", 32)}
	for _, name := range good {
		if _, err := r.Register(context.Background(), name); err != nil {
			t.Errorf("Register(%q) = %v", name, err)
		}
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	r, _ := openTestRegistry(t)

	if _, err := r.Register(context.Background(), "taken"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(context.Background(), "taken"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("err = %v, want ErrNameTaken", err)
	}
}

func TestLookups(t *testing.T) {
	r, _ := openTestRegistry(t)

	ns, err := r.Register(context.Background(), "myns")
	if err != nil {
		t.Fatal(err)
	}

	byName, ok := r.LookupByName("myns")
	if !ok || byName.ID != ns.ID {
		t.Errorf("LookupByName = %+v, ok=%v", byName, ok)
	}
	byToken, ok := r.LookupByToken(ns.Token)
	if !ok || byToken.Name != "myns" {
		t.Errorf("LookupByToken = %+v, ok=%v", byToken, ok)
	}
	if _, ok := r.LookupByName("absent"); ok {
		t.Error("LookupByName found absent namespace")
	}
}

func TestValidateToken(t *testing.T) {
	r, _ := openTestRegistry(t)

	ns, _ := r.Register(context.Background(), "myns")

	if err := r.ValidateToken(ns.Token, "myns"); err != nil {
		t.Errorf("valid token rejected: %v", err)
	}
	if err := r.ValidateToken("wrong", "myns"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong token: %v", err)
	}
	if err := r.ValidateToken(ns.Token, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent namespace: %v", err)
	}
}

func TestListOmitsTokens(t *testing.T) {
	r, _ := openTestRegistry(t)

	r.Register(context.Background(), "one")
	r.Register(context.Background(), "two")

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	for _, ns := range list {
		if ns.Token != "" {
			t.Errorf("token leaked for %q", ns.Name)
		}
	}
}

func TestDelete(t *testing.T) {
	r, _ := openTestRegistry(t)

	ns, _ := r.Register(context.Background(), "gone")
	if err := r.Delete(context.Background(), "gone"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.LookupByName("gone"); ok {
		t.Error("namespace still present after Delete")
	}
	if _, ok := r.LookupByToken(ns.Token); ok {
		t.Error("token index still holds deleted namespace")
	}

	// Idempotent.
	if err := r.Delete(context.Background(), "gone"); err != nil {
		t.Errorf("second Delete = %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	r, db := openTestRegistry(t)

	ns, err := r.Register(context.Background(), "durable")
	if err != nil {
		t.Fatal(err)
	}

	r2, err := Open(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := r2.LookupByName("durable")
	if !ok || got.Token != ns.Token {
		t.Errorf("reopened lookup = %+v, ok=%v", got, ok)
	}
}
