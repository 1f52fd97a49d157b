// Package catalog fetches creature records from the external catalog service.
//
// A fetch is two requests: the entity keyed by a positive integer, then the
// species record the entity links to. A failed entity request is a hard
// failure. A failed species request degrades to an entity-only result and the
// caller decides whether that is usable.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpoints/internal/logging"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

type Stage string

const (
	StageEntity    Stage = "entity"
	StageSubentity Stage = "subentity"
)

// FetchFailure is a non-2xx response or a transport error (timeouts
// included) for one stage. Status is 0 when no response arrived.
type FetchFailure struct {
	Stage  Stage
	Status int
	Err    error
}

func (f *FetchFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("catalog %s fetch failed: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("catalog %s fetch failed: status %d", f.Stage, f.Status)
}

func (f *FetchFailure) Unwrap() error { return f.Err }

// MalformedPayload reports a response missing a required field or not
// decodable as JSON.
type MalformedPayload struct {
	Stage Stage
	Field string
	Err   error
}

func (m *MalformedPayload) Error() string {
	if m.Err != nil {
		return fmt.Sprintf("catalog %s payload malformed (%s): %v", m.Stage, m.Field, m.Err)
	}
	return fmt.Sprintf("catalog %s payload missing %s", m.Stage, m.Field)
}

func (m *MalformedPayload) Unwrap() error { return m.Err }

var ErrInvalidKey = errors.New("catalog key must be positive")

// Entity is the subset of the entity record the reward pipeline reads.
type Entity struct {
	Name    *string `json:"name"`
	Sprites struct {
		FrontDefault *string `json:"front_default"`
	} `json:"sprites"`
	Species *struct {
		URL string `json:"url"`
	} `json:"species"`
}

// SpeciesURL returns the link to the sub-entity, or "".
func (e *Entity) SpeciesURL() string {
	if e == nil || e.Species == nil {
		return ""
	}
	return strings.TrimSpace(e.Species.URL)
}

type Species struct {
	FlavorTextEntries []FlavorTextEntry `json:"flavor_text_entries"`
}

type FlavorTextEntry struct {
	FlavorText string `json:"flavor_text"`
	Language   struct {
		Name string `json:"name"`
	} `json:"language"`
}

// Result carries both payloads. Species is nil when the second stage failed;
// SpeciesErr then says why.
type Result struct {
	Entity     *Entity
	Species    *Species
	SpeciesErr error
}

// Client is stateless apart from its configuration and never retries.
type Client struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// New creates a client with sane defaults.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Timeout:    timeout,
		HTTPClient: &http.Client{},
	}
}

// EntityURL is the deterministic location of the entity for key.
func (c *Client) EntityURL(key int) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strconv.Itoa(key)
}

// Fetch retrieves the entity for key and then its species.
func (c *Client) Fetch(ctx context.Context, key int) (Result, error) {
	if key <= 0 {
		return Result{}, ErrInvalidKey
	}
	log := logging.FromContext(ctx, c.Logger).With("catalog_key", key)

	entityURL := c.EntityURL(key)
	log.Info("catalog: fetching entity", "url", entityURL)
	var entity Entity
	if err := c.getJSON(ctx, StageEntity, entityURL, &entity); err != nil {
		log.Error("catalog: entity fetch failed", "error", err)
		return Result{}, err
	}
	if entity.Name == nil || strings.TrimSpace(*entity.Name) == "" {
		return Result{}, &MalformedPayload{Stage: StageEntity, Field: "name"}
	}
	speciesURL := entity.SpeciesURL()
	if speciesURL == "" {
		return Result{}, &MalformedPayload{Stage: StageEntity, Field: "species.url"}
	}

	log.Info("catalog: fetching species", "url", speciesURL)
	var species Species
	if err := c.getJSON(ctx, StageSubentity, speciesURL, &species); err != nil {
		log.Error("catalog: species fetch failed", "error", err)
		return Result{Entity: &entity, SpeciesErr: err}, nil
	}
	return Result{Entity: &entity, Species: &species}, nil
}

func (c *Client) getJSON(ctx context.Context, stage Stage, url string, out any) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &FetchFailure{Stage: stage, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &FetchFailure{Stage: stage, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return &FetchFailure{Stage: stage, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// a deadline hit mid-body is still a timeout for this stage
		return &FetchFailure{Stage: stage, Status: resp.StatusCode, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &MalformedPayload{Stage: stage, Field: "body", Err: err}
	}
	return nil
}
