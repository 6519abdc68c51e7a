package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type APIClient struct {
	server  string
	session string
	http    *http.Client
}

type Project struct {
	ID                  string    `json:"ID"`
	UserID              string    `json:"UserID"`
	ForgeOrgLogin       string    `json:"ForgeOrgLogin"`
	ForgeInstallationID string    `json:"ForgeInstallationID"`
	DefaultBranch       string    `json:"DefaultBranch"`
	CreatedAt           time.Time `json:"CreatedAt"`
}

type Run struct {
	ID            string    `json:"ID"`
	TaskID        string    `json:"TaskID"`
	ProjectID     string    `json:"ProjectID"`
	RunNumber     int       `json:"RunNumber"`
	Branch        string    `json:"Branch"`
	Phase         string    `json:"Phase"`
	Step          string    `json:"Step"`
	Result        string    `json:"Result"`
	BlockedReason string    `json:"BlockedReason"`
	StartedAt     time.Time `json:"StartedAt"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
}

type APIError struct {
	Error string `json:"error"`
}

type runActionPayload struct {
	Kind          string `json:"kind"`
	Comment       string `json:"comment,omitempty"`
	Justification string `json:"justification,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

func NewAPIClient(server, session string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}
	return &APIClient{
		server:  server,
		session: session,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.doJSON(ctx, http.MethodGet, "/api/projects", nil, &out)
	return out, err
}

func (c *APIClient) RunsAwaitingGates(ctx context.Context, projectID string) ([]Run, error) {
	var out []Run
	err := c.doJSON(ctx, http.MethodGet, "/api/projects/"+projectID+"/runs", nil, &out)
	return out, err
}

func (c *APIClient) Run(ctx context.Context, runID string) (*Run, error) {
	var out Run
	if err := c.doJSON(ctx, http.MethodGet, "/api/runs/"+runID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RunAction(ctx context.Context, runID string, payload runActionPayload) (*Run, error) {
	var out Run
	err := c.doJSON(ctx, http.MethodPost, "/api/runs/"+runID+"/actions", payload, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		// 202 Accepted (retry, cancel) carries no run body.
		return nil, nil
	}
	return &out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: "conductor_session", Value: c.session})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
