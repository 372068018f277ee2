// Package llm is the typed adapter for the generation service. It turns a
// report plus up to three retrieved exemplars into a titled, stepped
// remediation, and rejects anything that is not the strict JSON shape asked
// for in the prompt.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"railops/internal/config"
	"railops/internal/fault"
	"railops/internal/vectorsearch"
)

// ReportContext carries the report fields the prompt needs.
type ReportContext struct {
	Content  string
	Location string
	Urgency  string
}

// Generated is the authored remediation.
type Generated struct {
	Title string `json:"title"`
	Steps string `json:"steps"`
}

// Client calls the chat-completions endpoint of the generation service.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
}

func New(cfg config.LLMConfig, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client, baseURL: cfg.BaseURL, apiKey: cfg.APIKey, model: cfg.Model}
}

const maxExemplars = 3

func buildSystemPrompt() string {
	return strings.TrimSpace(`You are a rail-network incident remediation planner.
Return STRICT JSON ONLY with keys: title, steps.
Rules:
- title max 80 chars, an imperative remediation headline
- steps is a numbered plan, max 1200 chars
- ground the plan in the provided prior incidents when any are given
- no invented infrastructure; use ONLY the report and prior incidents
Style: operational, succinct.`)
}

func buildUserPrompt(rc ReportContext, matches []vectorsearch.Match) string {
	var b strings.Builder
	b.WriteString("Incident report:\n")
	fmt.Fprintf(&b, "- description: %s\n", safeString(rc.Content))
	fmt.Fprintf(&b, "- location: %s\n", safeString(rc.Location))
	fmt.Fprintf(&b, "- urgency: %s\n", safeString(rc.Urgency))
	if len(matches) == 0 {
		b.WriteString("Prior incidents: none found\n")
		return b.String()
	}
	b.WriteString("Prior incidents:\n")
	for i, m := range matches {
		if i == maxExemplars {
			break
		}
		fmt.Fprintf(&b, "- score=%.2f action=%s detail=%s\n", m.Score, safeString(m.Action), safeString(m.Detail))
	}
	return b.String()
}

func safeString(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "-"
	}
	return v
}

// GenerateSolution asks the LLM for a remediation grounded in the matches.
func (c *Client) GenerateSolution(ctx context.Context, rc ReportContext, matches []vectorsearch.Match) (Generated, error) {
	payload := map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []map[string]string{
			{"role": "system", "content": buildSystemPrompt()},
			{"role": "user", "content": buildUserPrompt(rc, matches)},
		},
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return Generated{}, fault.External("generate solution", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Generated{}, fault.External("generate solution", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Generated{}, fault.External("generate solution", fmt.Errorf("llm status %d: %s", resp.StatusCode, string(b)))
	}
	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return Generated{}, fault.External("generate solution", err)
	}
	if len(wrapper.Choices) == 0 {
		return Generated{}, fault.External("generate solution", errors.New("empty llm response"))
	}
	out, err := parseGenerated(wrapper.Choices[0].Message.Content)
	if err != nil {
		return Generated{}, fault.External("generate solution", err)
	}
	return out, nil
}

func parseGenerated(content string) (Generated, error) {
	obj := extractJSONObject(content)
	if obj == "" {
		return Generated{}, errors.New("no json object found")
	}
	var out Generated
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return Generated{}, err
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Steps = strings.TrimSpace(out.Steps)
	if out.Title == "" {
		return Generated{}, errors.New("missing title")
	}
	if len(out.Title) > 80 {
		return Generated{}, errors.New("title too long")
	}
	if out.Steps == "" {
		return Generated{}, errors.New("missing steps")
	}
	if len(out.Steps) > 1200 {
		return Generated{}, errors.New("steps too long")
	}
	return out, nil
}

// extractJSONObject scans for the first balanced JSON object, tolerating
// models that wrap the payload in prose or fences.
func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
