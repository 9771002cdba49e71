// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package connector polls external APIs on behalf of users and feeds the
// results into the ingestion endpoint. It holds the connector contract,
// the built-in connectors, the per-key scheduler, the discovery loop,
// and the OAuth authorization flow.
package connector

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/event"
)

// OAuthConfig is the static per-connector OAuth application config,
// loaded from environment variables.
type OAuthConfig struct {
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ClientID     string
	ClientSecret string
}

// Configured reports whether the OAuth application is usable.
func (c *OAuthConfig) Configured() bool {
	return c != nil && c.AuthURL != "" && c.TokenURL != "" && c.ClientID != ""
}

// Connector fetches events from one external system.
type Connector interface {
	// Name is the stable connector identifier used in credential keys
	// and URLs.
	Name() string

	// PollInterval is the fixed scheduler tick for this connector.
	PollInterval() time.Duration

	// OAuth returns the static OAuth config, or nil when the connector
	// only accepts manually supplied tokens.
	OAuth() *OAuthConfig

	// Fetch pulls recent records and maps them to events. The returned
	// events carry payloads with entity_id already namespaced.
	Fetch(ctx context.Context, cred credentials.Credential) ([]event.Event, error)
}

// Registry is the set of known connectors, keyed by name.
type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds the built-in connector set. OAuth applications come
// from FLUX_OAUTH_<NAME>_CLIENT_ID / FLUX_OAUTH_<NAME>_CLIENT_SECRET.
func NewRegistry() *Registry {
	r := &Registry{connectors: make(map[string]Connector)}
	r.Add(newGitHubConnector())
	r.Add(newGmailConnector())
	return r
}

// Add registers a connector, replacing any previous one with the name.
func (r *Registry) Add(c Connector) {
	r.connectors[c.Name()] = c
}

// Get returns the named connector.
func (r *Registry) Get(name string) (Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the registered connector names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// oauthFromEnv loads the OAuth application for a connector name. Returns
// nil when the client id is absent, which disables the OAuth flow for
// that connector.
func oauthFromEnv(name, authURL, tokenURL string, scopes []string) *OAuthConfig {
	prefix := "FLUX_OAUTH_" + strings.ToUpper(name) + "_"
	clientID := os.Getenv(prefix + "CLIENT_ID")
	if clientID == "" {
		return nil
	}
	return &OAuthConfig{
		AuthURL:      authURL,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		ClientID:     clientID,
		ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
	}
}

// namespacedEntityID builds the payload entity_id for a connector-owned
// record.
func namespacedEntityID(namespace, kind, key string) string {
	return fmt.Sprintf("%s/%s-%s", namespace, kind, key)
}
