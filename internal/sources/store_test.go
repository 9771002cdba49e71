// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package sources

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/EckmanTechLLC/flux/internal/config"
)

func openSourceStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	enc, err := config.NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(context.Background(), db, enc)
	if err != nil {
		t.Fatal(err)
	}
	return s, db
}

func TestCreateGeneric(t *testing.T) {
	s, _ := openSourceStore(t)
	ctx := context.Background()

	src, err := s.CreateGeneric(ctx, GenericSource{
		Name:        "weather",
		URL:         "https://api.example/weather",
		Namespace:   "home",
		BearerToken: "upstream-secret",
		OutputToken: "flux-token",
	})
	if err != nil {
		t.Fatal(err)
	}
	if src.ID == "" || src.CreatedAt.IsZero() {
		t.Errorf("src = %+v", src)
	}
	if src.IntervalSecs != 60 {
		t.Errorf("interval default = %d", src.IntervalSecs)
	}

	got, err := s.GetGeneric(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BearerToken != "upstream-secret" || got.OutputToken != "flux-token" {
		t.Errorf("tokens = %q / %q", got.BearerToken, got.OutputToken)
	}
	if got.URL != src.URL || got.Namespace != "home" {
		t.Errorf("got = %+v", got)
	}
}

func TestCreateGenericRequiredFields(t *testing.T) {
	s, _ := openSourceStore(t)

	if _, err := s.CreateGeneric(context.Background(), GenericSource{URL: "https://x"}); err == nil {
		t.Error("missing namespace accepted")
	}
	if _, err := s.CreateGeneric(context.Background(), GenericSource{Namespace: "ns"}); err == nil {
		t.Error("missing url accepted")
	}
}

func TestGenericTokensEncryptedAtRest(t *testing.T) {
	s, db := openSourceStore(t)

	src, err := s.CreateGeneric(context.Background(), GenericSource{
		URL:         "https://api.example",
		Namespace:   "home",
		BearerToken: "upstream-secret",
		OutputToken: "flux-token",
	})
	if err != nil {
		t.Fatal(err)
	}

	var bearerCT, outCT string
	err = db.QueryRow(`SELECT bearer_token_ct, output_token_ct FROM generic_sources WHERE id = ?`, src.ID).
		Scan(&bearerCT, &outCT)
	if err != nil {
		t.Fatal(err)
	}
	if bearerCT == "upstream-secret" || outCT == "flux-token" {
		t.Error("tokens stored in the clear")
	}
}

func TestGenericSourceWithoutBearerToken(t *testing.T) {
	s, _ := openSourceStore(t)

	src, err := s.CreateGeneric(context.Background(), GenericSource{
		URL: "https://api.example", Namespace: "home", OutputToken: "flux-token",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetGeneric(context.Background(), src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BearerToken != "" {
		t.Errorf("bearer token = %q", got.BearerToken)
	}
}

func TestDeleteGeneric(t *testing.T) {
	s, _ := openSourceStore(t)
	ctx := context.Background()

	src, err := s.CreateGeneric(ctx, GenericSource{
		URL: "https://api.example", Namespace: "home", OutputToken: "tok",
	})
	if err != nil {
		t.Fatal(err)
	}

	existed, err := s.DeleteGeneric(ctx, src.ID)
	if err != nil || !existed {
		t.Fatalf("Delete = (%v, %v)", existed, err)
	}
	existed, err = s.DeleteGeneric(ctx, src.ID)
	if err != nil || existed {
		t.Fatalf("second Delete = (%v, %v)", existed, err)
	}
	if _, err := s.GetGeneric(ctx, src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete = %v", err)
	}
}

func TestCreateNamed(t *testing.T) {
	s, _ := openSourceStore(t)
	ctx := context.Background()

	src, err := s.CreateNamed(ctx, NamedSource{
		Name:           "crm",
		Tap:            "tap-salesforce",
		Config:         map[string]any{"api_key": "k", "start_date": "2026-01-01"},
		EntityKeyField: "id",
		Namespace:      "sales",
		OutputToken:    "flux-token",
	})
	if err != nil {
		t.Fatal(err)
	}
	if src.ID == "" || src.PollIntervalSecs != 300 {
		t.Errorf("src = %+v", src)
	}

	got, err := s.GetNamed(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tap != "tap-salesforce" || got.OutputToken != "flux-token" {
		t.Errorf("got = %+v", got)
	}
	if got.Config["api_key"] != "k" {
		t.Errorf("config = %v", got.Config)
	}
}

func TestNamedRequiredFields(t *testing.T) {
	s, _ := openSourceStore(t)

	if _, err := s.CreateNamed(context.Background(), NamedSource{Tap: "tap-x"}); err == nil {
		t.Error("missing namespace accepted")
	}
	if _, err := s.CreateNamed(context.Background(), NamedSource{Namespace: "ns"}); err == nil {
		t.Error("missing tap accepted")
	}
}

func TestListSources(t *testing.T) {
	s, _ := openSourceStore(t)
	ctx := context.Background()

	s.CreateGeneric(ctx, GenericSource{URL: "https://a", Namespace: "ns", OutputToken: "t"})
	s.CreateGeneric(ctx, GenericSource{URL: "https://b", Namespace: "ns", OutputToken: "t"})
	s.CreateNamed(ctx, NamedSource{Tap: "tap-x", Namespace: "ns", OutputToken: "t"})

	generics, err := s.ListGeneric(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(generics) != 2 {
		t.Errorf("generic count = %d", len(generics))
	}
	named, err := s.ListNamed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(named) != 1 {
		t.Errorf("named count = %d", len(named))
	}

	existed, err := s.DeleteNamed(ctx, named[0].ID)
	if err != nil || !existed {
		t.Fatalf("DeleteNamed = (%v, %v)", existed, err)
	}
}
