// Package embed is the typed adapter for the embedding service. It produces
// text embeddings and multimodal fused embeddings for reports with attached
// images; the multimodal path degrades to text-only on its own when images
// are absent or unusable.
package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"

	"golang.org/x/sync/errgroup"

	"railops/internal/config"
	"railops/internal/fault"
)

// Retrieval method labels attached to search batches.
const (
	MethodMultimodal = "multimodal"
	MethodTextOnly   = "text-only"
)

// Vector is a fixed-dimension embedding.
type Vector []float64

// Client calls the embedding service.
type Client struct {
	http         *http.Client
	baseURL      string
	apiKey       string
	model        string
	textWeight   float64
	maxImageEdge int
}

func New(cfg config.EmbeddingConfig, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		http:         client,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		textWeight:   cfg.TextWeight,
		maxImageEdge: cfg.MaxImageEdge,
	}
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// EmbedText embeds a single text.
func (c *Client) EmbedText(ctx context.Context, text string) (Vector, error) {
	vec, err := c.call(ctx, "/v1/embeddings", map[string]any{
		"model": c.model,
		"input": text,
	})
	if err != nil {
		return nil, fault.External("embed text", err)
	}
	return vec, nil
}

// EmbedMultimodal fuses the text embedding with up to three report images.
// Images are fetched from their object-storage URLs, downscaled, and embedded
// individually; the image embeddings are averaged and combined with the text
// embedding by weighted fusion, then renormalized. When there are no images,
// or every image fails to fetch or decode, the text-only embedding is
// returned with the text-only method label.
func (c *Client) EmbedMultimodal(ctx context.Context, text string, imageRefs []string) (Vector, string, error) {
	textVec, err := c.EmbedText(ctx, text)
	if err != nil {
		return nil, "", err
	}
	if len(imageRefs) == 0 {
		return textVec, MethodTextOnly, nil
	}
	refs := imageRefs
	if len(refs) > 3 {
		refs = refs[:3]
	}

	imageVecs := make([]Vector, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			data, err := fetchImage(gctx, c.http, ref)
			if err != nil {
				log.Printf("embed: fetch image %s: %v", ref, err)
				return nil
			}
			prepared, err := prepareImage(data, c.maxImageEdge)
			if err != nil {
				log.Printf("embed: decode image %s: %v", ref, err)
				return nil
			}
			vec, err := c.embedImage(gctx, prepared)
			if err != nil {
				log.Printf("embed: embed image %s: %v", ref, err)
				return nil
			}
			imageVecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return textVec, MethodTextOnly, nil
	}

	var usable []Vector
	for _, v := range imageVecs {
		if len(v) == len(textVec) {
			usable = append(usable, v)
		}
	}
	if len(usable) == 0 {
		return textVec, MethodTextOnly, nil
	}

	fused := fuse(textVec, average(usable), c.textWeight)
	return fused, MethodMultimodal, nil
}

func (c *Client) embedImage(ctx context.Context, imageData []byte) (Vector, error) {
	vec, err := c.call(ctx, "/v1/embeddings/image", map[string]any{
		"model": c.model,
		"image": base64.StdEncoding.EncodeToString(imageData),
	})
	if err != nil {
		return nil, fault.External("embed image", err)
	}
	return vec, nil
}

func (c *Client) call(ctx context.Context, path string, payload map[string]any) (Vector, error) {
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding status %d: %s", resp.StatusCode, string(b))
	}
	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, errors.New("empty embedding")
	}
	return parsed.Data[0].Embedding, nil
}

func average(vecs []Vector) Vector {
	out := make(Vector, len(vecs[0]))
	for _, v := range vecs {
		for i := range out {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float64(len(vecs))
	}
	return out
}

// fuse combines text and image embeddings with weighted fusion and
// renormalizes for cosine similarity.
func fuse(text, img Vector, textWeight float64) Vector {
	imageWeight := 1.0 - textWeight
	out := make(Vector, len(text))
	for i := range out {
		out[i] = textWeight*text[i] + imageWeight*img[i]
	}
	var norm float64
	for _, v := range out {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] /= norm
	}
	return out
}
