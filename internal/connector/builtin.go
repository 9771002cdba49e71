// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/EckmanTechLLC/flux/internal/credentials"
	"github.com/EckmanTechLLC/flux/internal/event"
)

// fetchClient bounds every external API call.
var fetchClient = &http.Client{Timeout: 30 * time.Second}

// githubConnector polls notification threads.
type githubConnector struct {
	oauth *OAuthConfig
}

func newGitHubConnector() *githubConnector {
	return &githubConnector{
		oauth: oauthFromEnv("github",
			"https://github.com/login/oauth/authorize",
			"https://github.com/login/oauth/access_token",
			[]string{"notifications", "read:user"}),
	}
}

func (g *githubConnector) Name() string                { return "github" }
func (g *githubConnector) PollInterval() time.Duration { return 5 * time.Minute }
func (g *githubConnector) OAuth() *OAuthConfig         { return g.oauth }

func (g *githubConnector) Fetch(ctx context.Context, cred credentials.Credential) ([]event.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.github.com/notifications?per_page=50", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	var threads []struct {
		ID        string `json:"id"`
		Reason    string `json:"reason"`
		Unread    bool   `json:"unread"`
		UpdatedAt string `json:"updated_at"`
		Subject   struct {
			Title string `json:"title"`
			Type  string `json:"type"`
			URL   string `json:"url"`
		} `json:"subject"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := fetchJSON(req, &threads); err != nil {
		return nil, fmt.Errorf("github notifications: %w", err)
	}

	events := make([]event.Event, 0, len(threads))
	for _, t := range threads {
		ev, err := buildEvent("connectors.github.notifications", "connector.github", t.ID,
			namespacedEntityID(cred.UserID, "github-notification", t.ID),
			map[string]any{
				"reason":     t.Reason,
				"unread":     t.Unread,
				"title":      t.Subject.Title,
				"kind":       t.Subject.Type,
				"url":        t.Subject.URL,
				"repository": t.Repository.FullName,
				"updated_at": t.UpdatedAt,
			})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// gmailConnector polls unread message ids.
type gmailConnector struct {
	oauth *OAuthConfig
}

func newGmailConnector() *gmailConnector {
	return &gmailConnector{
		oauth: oauthFromEnv("gmail",
			"https://accounts.google.com/o/oauth2/v2/auth",
			"https://oauth2.googleapis.com/token",
			[]string{"https://www.googleapis.com/auth/gmail.readonly"}),
	}
}

func (g *gmailConnector) Name() string                { return "gmail" }
func (g *gmailConnector) PollInterval() time.Duration { return 2 * time.Minute }
func (g *gmailConnector) OAuth() *OAuthConfig         { return g.oauth }

func (g *gmailConnector) Fetch(ctx context.Context, cred credentials.Credential) ([]event.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://gmail.googleapis.com/gmail/v1/users/me/messages?maxResults=25&q=is%3Aunread", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	var body struct {
		Messages []struct {
			ID       string `json:"id"`
			ThreadID string `json:"threadId"`
		} `json:"messages"`
	}
	if err := fetchJSON(req, &body); err != nil {
		return nil, fmt.Errorf("gmail messages: %w", err)
	}

	events := make([]event.Event, 0, len(body.Messages))
	for _, m := range body.Messages {
		ev, err := buildEvent("connectors.gmail.messages", "connector.gmail", m.ID,
			namespacedEntityID(cred.UserID, "gmail-message", m.ID),
			map[string]any{
				"message_id": m.ID,
				"thread_id":  m.ThreadID,
				"unread":     true,
			})
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// fetchJSON executes req and decodes a 2xx JSON response into out.
func fetchJSON(req *http.Request, out any) error {
	resp, err := fetchClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// buildEvent assembles one envelope with a namespaced entity payload.
func buildEvent(stream, source, key, entityID string, props map[string]any) (event.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"entity_id":  entityID,
		"properties": props,
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return event.Event{
		Stream:    stream,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Key:       key,
		Payload:   payload,
	}, nil
}
