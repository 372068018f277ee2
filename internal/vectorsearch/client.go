// Package vectorsearch is the typed adapter for the similarity-search
// service. Point ids on the wire are numeric; they are carried as strings
// from here on.
package vectorsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"railops/internal/config"
	"railops/internal/fault"
)

// Match is one ranked prior incident returned by the search service.
type Match struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Action    string  `json:"action"`
	Detail    string  `json:"detail"`
	AvgDelay  *int    `json:"avg_delay,omitempty"`
	TimesUsed *int    `json:"times_used,omitempty"`
}

// Incident is the payload published back into the retrieval corpus after a
// report is acknowledged.
type Incident struct {
	Description      string   `json:"description"`
	ResolutionAction string   `json:"resolution_action"`
	ResolutionDetail string   `json:"resolution_detail"`
	ImageURLs        []string `json:"image_urls"`
	Location         string   `json:"location"`
	ReportID         string   `json:"report_id"`
	DowntimeMinutes  int      `json:"downtime_minutes"`
}

// Client calls the vector-search service.
type Client struct {
	http    *http.Client
	baseURL string
}

func New(cfg config.VectorSearchConfig, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client, baseURL: cfg.BaseURL}
}

type wireMatch struct {
	ID        json.Number `json:"id"`
	Score     float64     `json:"score"`
	Action    string      `json:"action"`
	Detail    string      `json:"detail"`
	AvgDelay  *int        `json:"avg_delay"`
	TimesUsed *int        `json:"times_used"`
}

type searchResponse struct {
	Results []wireMatch `json:"results"`
}

// SearchByVector queries the corpus with a precomputed embedding.
func (c *Client) SearchByVector(ctx context.Context, vector []float64, limit int) ([]Match, error) {
	payload := map[string]any{"vector": vector, "limit": limit}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search-multimodal", bytes.NewReader(buf))
	if err != nil {
		return nil, fault.External("vector search", err)
	}
	req.Header.Set("Content-Type", "application/json")
	matches, err := c.doSearch(req)
	if err != nil {
		return nil, fault.External("vector search", err)
	}
	return matches, nil
}

// SearchByText is the keyword/legacy path used when embedding or vector
// search is unavailable.
func (c *Client) SearchByText(ctx context.Context, description string, limit int) ([]Match, error) {
	q := url.Values{}
	q.Set("description", description)
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/find-solution?"+q.Encode(), nil)
	if err != nil {
		return nil, fault.External("text search", err)
	}
	matches, err := c.doSearch(req)
	if err != nil {
		return nil, fault.External("text search", err)
	}
	return matches, nil
}

// AddIncident publishes a resolved incident into the long-term corpus.
func (c *Client) AddIncident(ctx context.Context, inc Incident) error {
	buf, _ := json.Marshal(inc)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add-incident", bytes.NewReader(buf))
	if err != nil {
		return fault.External("add incident", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.External("add incident", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fault.External("add incident", fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}
	var parsed struct {
		Success bool   `json:"success"`
		PointID any    `json:"point_id"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fault.External("add incident", err)
	}
	if !parsed.Success {
		return fault.External("add incident", fmt.Errorf("rejected: %s", parsed.Error))
	}
	return nil
}

func (c *Client) doSearch(req *http.Request) ([]Match, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, string(b))
	}
	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.Results == nil {
		return nil, errors.New("missing results")
	}
	out := make([]Match, 0, len(parsed.Results))
	for _, m := range parsed.Results {
		out = append(out, Match{
			ID:        m.ID.String(),
			Score:     m.Score,
			Action:    m.Action,
			Detail:    m.Detail,
			AvgDelay:  m.AvgDelay,
			TimesUsed: m.TimesUsed,
		})
	}
	return out, nil
}
