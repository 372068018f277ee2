package rag

import (
	"context"
	"log"
	"sort"
	"time"

	"railops/internal/config"
	"railops/internal/embed"
	"railops/internal/llm"
	"railops/internal/metrics"
	"railops/internal/store"
	"railops/internal/vectorsearch"
)

// Embedder produces query embeddings.
type Embedder interface {
	EmbedText(ctx context.Context, text string) (embed.Vector, error)
	EmbedMultimodal(ctx context.Context, text string, imageRefs []string) (embed.Vector, string, error)
	Model() string
}

// Searcher retrieves ranked prior incidents.
type Searcher interface {
	SearchByVector(ctx context.Context, vector []float64, limit int) ([]vectorsearch.Match, error)
	SearchByText(ctx context.Context, description string, limit int) ([]vectorsearch.Match, error)
}

// Generator authors a solution from a report and retrieved exemplars.
type Generator interface {
	GenerateSolution(ctx context.Context, rc llm.ReportContext, matches []vectorsearch.Match) (llm.Generated, error)
}

// Candidate is one ranked proposal produced by a review-mode analysis.
type Candidate struct {
	Rank      int
	SourceID  string
	Action    string
	Detail    string
	Score     float64
	AvgDelay  *int
	TimesUsed *int
}

// DirectSolution is the finished remediation produced in direct mode.
type DirectSolution struct {
	Title            string
	Steps            string
	Confidence       float64
	Source           string
	SimilarityScore  *float64
	RetrievedSources []store.RetrievedSource
}

// Outcome is the tagged result of one analysis run: exactly one of Candidates
// or Direct is set.
type Outcome struct {
	RetrievalMethod string
	EmbeddingModel  *string
	Candidates      []Candidate
	Direct          *DirectSolution
}

// Orchestrator walks the retrieval chain. Each adapter call gets its own
// deadline; a timeout counts as a step failure and the chain degrades to the
// next strategy. The chain always produces an outcome: with nothing retrieved
// it falls back to the urgency template.
type Orchestrator struct {
	embedder  Embedder
	searcher  Searcher
	generator Generator
	templates *TemplateStore

	mode        string
	limit       int
	callTimeout time.Duration
}

func NewOrchestrator(cfg config.Config, e Embedder, s Searcher, g Generator, ts *TemplateStore) *Orchestrator {
	return &Orchestrator{
		embedder:    e,
		searcher:    s,
		generator:   g,
		templates:   ts,
		mode:        cfg.AnalysisMode,
		limit:       cfg.SearchLimit,
		callTimeout: cfg.AdapterTimeout,
	}
}

// Analyze runs the full chain for one report. The returned error is only a
// context cancellation; adapter failures degrade inside the chain.
func (o *Orchestrator) Analyze(ctx context.Context, r store.Report) (Outcome, error) {
	query := BuildQuery(r)
	matches, method, embedModel := o.retrieve(ctx, r, query)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > o.limit {
		matches = matches[:o.limit]
	}

	out := Outcome{RetrievalMethod: method, EmbeddingModel: embedModel}
	if o.mode == config.ModeDirect {
		out.Direct = o.generateDirect(ctx, r, matches)
		return out, ctx.Err()
	}
	out.Candidates = o.buildCandidates(r, matches)
	return out, nil
}

// retrieve runs steps 1-3 of the chain: embed, vector search, keyword
// fallback. It returns the matches, the retrieval method label, and the
// embedding model when an embedding contributed.
func (o *Orchestrator) retrieve(ctx context.Context, r store.Report, query string) ([]vectorsearch.Match, string, *string) {
	vector, method := o.embedQuery(ctx, r, query)

	if vector != nil {
		matches, err := o.searchVector(ctx, vector)
		if err != nil {
			log.Printf("analyze report=%s: vector search failed: %v (falling back to keyword)", r.ID, err)
		} else if len(matches) > 0 {
			model := o.embedder.Model()
			return matches, method, &model
		}
	}

	matches, err := o.searchText(ctx, query)
	if err != nil {
		log.Printf("analyze report=%s: keyword search failed: %v", r.ID, err)
		return nil, embed.MethodTextOnly, nil
	}
	return matches, embed.MethodTextOnly, nil
}

func (o *Orchestrator) embedQuery(ctx context.Context, r store.Report, query string) (embed.Vector, string) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	if len(r.ImageRefs) > 0 {
		vec, method, err := o.embedder.EmbedMultimodal(callCtx, query, r.ImageRefs)
		if err != nil {
			log.Printf("analyze report=%s: multimodal embedding failed: %v", r.ID, err)
			return nil, embed.MethodTextOnly
		}
		return vec, method
	}
	vec, err := o.embedder.EmbedText(callCtx, query)
	if err != nil {
		log.Printf("analyze report=%s: text embedding failed: %v", r.ID, err)
		return nil, embed.MethodTextOnly
	}
	return vec, embed.MethodTextOnly
}

func (o *Orchestrator) searchVector(ctx context.Context, vector embed.Vector) ([]vectorsearch.Match, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.searcher.SearchByVector(callCtx, vector, o.limit)
}

func (o *Orchestrator) searchText(ctx context.Context, query string) ([]vectorsearch.Match, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return o.searcher.SearchByText(callCtx, query, o.limit)
}

const fallbackScore = 0.3

func (o *Orchestrator) buildCandidates(r store.Report, matches []vectorsearch.Match) []Candidate {
	if len(matches) == 0 {
		tmpl := o.templates.For(r.Urgency)
		metrics.IncFallbackCandidate()
		log.Printf("analyze report=%s: no matches, using %s fallback template", r.ID, r.Urgency)
		return []Candidate{{
			Rank:     1,
			SourceID: store.SourceFallback,
			Action:   tmpl.Action,
			Detail:   tmpl.Detail,
			Score:    fallbackScore,
		}}
	}
	out := make([]Candidate, 0, len(matches))
	for i, m := range matches {
		out = append(out, Candidate{
			Rank:      i + 1,
			SourceID:  m.ID,
			Action:    m.Action,
			Detail:    m.Detail,
			Score:     m.Score,
			AvgDelay:  m.AvgDelay,
			TimesUsed: m.TimesUsed,
		})
	}
	return out
}

func (o *Orchestrator) generateDirect(ctx context.Context, r store.Report, matches []vectorsearch.Match) *DirectSolution {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	generated, err := o.generator.GenerateSolution(callCtx, llm.ReportContext{
		Content:  r.Content,
		Location: r.Location,
		Urgency:  string(r.Urgency),
	}, matches)
	if err != nil {
		tmpl := o.templates.For(r.Urgency)
		metrics.IncFallbackCandidate()
		log.Printf("analyze report=%s: generation failed: %v (using %s fallback template)", r.ID, err, r.Urgency)
		return &DirectSolution{
			Title:      tmpl.Action,
			Steps:      tmpl.Detail,
			Confidence: fallbackScore,
			Source:     store.SourceFallback,
		}
	}

	sol := &DirectSolution{
		Title:            generated.Title,
		Steps:            generated.Steps,
		Source:           store.SourceLLMGenerated,
		RetrievedSources: sources(matches),
	}
	if len(matches) > 0 {
		avg := avgScore(matches)
		sol.Confidence = min(avg*0.7+0.3, 1.0)
		sol.SimilarityScore = &avg
		if avg > 0.7 {
			sol.Source = store.SourceHighConfidence
		} else {
			sol.Source = store.SourcePartialMatch
		}
	}
	return sol
}

func sources(matches []vectorsearch.Match) []store.RetrievedSource {
	out := make([]store.RetrievedSource, 0, len(matches))
	for _, m := range matches {
		out = append(out, store.RetrievedSource{ID: m.ID, Score: m.Score, Action: m.Action})
	}
	return out
}

func avgScore(matches []vectorsearch.Match) float64 {
	var sum float64
	for _, m := range matches {
		sum += m.Score
	}
	return sum / float64(len(matches))
}
