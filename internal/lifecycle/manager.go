// Package lifecycle owns the report state machine and the guarded pipeline
// operations: create, analyze, confirm, acknowledge. All mutation funnels
// through here; every committed change is published to the event bus after
// the transaction commits.
package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"railops/internal/config"
	"railops/internal/events"
	"railops/internal/fault"
	"railops/internal/metrics"
	"railops/internal/rag"
	"railops/internal/store"
)

// Actor roles.
const (
	RoleConductor = "conductor"
	RoleReviewer  = "reviewer"
)

// Actor is the authenticated caller, as asserted by the upstream identity
// provider.
type Actor struct {
	ID   string
	Role string
}

// Analyzer runs the retrieval chain for a report.
type Analyzer interface {
	Analyze(ctx context.Context, r store.Report) (rag.Outcome, error)
}

// Feedback publishes a resolved incident into the knowledge base.
type Feedback interface {
	PublishResolved(ctx context.Context, r store.Report, sol store.Solution)
}

// Manager drives reports through the pipeline.
type Manager struct {
	store    *store.Store
	analyzer Analyzer
	bus      *events.Bus
	feedback Feedback

	revertAttempts int
}

func NewManager(cfg config.Config, st *store.Store, analyzer Analyzer, bus *events.Bus, fb Feedback) *Manager {
	return &Manager{
		store:          st,
		analyzer:       analyzer,
		bus:            bus,
		feedback:       fb,
		revertAttempts: cfg.RevertAttempts,
	}
}

// CreateReportInput is the conductor's filing.
type CreateReportInput struct {
	Content   string
	Location  string
	Urgency   store.Urgency
	ImageRefs []string
	TrainID   *string
}

const maxImageRefs = 3

// CreateReport validates and files a new OPEN report for the calling
// conductor.
func (m *Manager) CreateReport(ctx context.Context, actor Actor, in CreateReportInput) (*store.Report, error) {
	if actor.ID == "" {
		return nil, fault.Validationf("missing actor id")
	}
	if in.Content == "" {
		return nil, fault.Validationf("content is required")
	}
	if !store.ValidUrgency(in.Urgency) {
		return nil, fault.Validationf("unknown urgency %q", in.Urgency)
	}
	if len(in.ImageRefs) > maxImageRefs {
		return nil, fault.Validationf("at most %d image refs (got %d)", maxImageRefs, len(in.ImageRefs))
	}
	now := config.Now()
	r := &store.Report{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Content:     in.Content,
		Location:    in.Location,
		Urgency:     in.Urgency,
		Status:      store.StatusOpen,
		ImageRefs:   in.ImageRefs,
		ConductorID: actor.ID,
		TrainID:     in.TrainID,
	}
	if err := m.store.CreateReport(ctx, r); err != nil {
		return nil, err
	}
	log.Printf("report created id=%s urgency=%s conductor=%s", r.ID, r.Urgency, r.ConductorID)
	m.publish(events.EventInsert, events.EntityReport, *r)
	return r, nil
}

// Analyze runs the retrieval chain for an OPEN report. The OPEN -> ANALYZING
// transition is the mutual-exclusion gate: a concurrent second call observes
// status != OPEN and conflicts instead of re-running the chain. On failure
// after the gate, the status is reverted to OPEN with a bounded attempt
// budget; exhausting the budget leaves the report ANALYZING and raises an
// operator alert.
func (m *Manager) Analyze(ctx context.Context, reportID string) (*store.Report, error) {
	r, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fault.NotFoundf("report %s", reportID)
	}
	if sol, err := m.store.GetSolutionByReport(ctx, reportID); err != nil {
		return nil, err
	} else if sol != nil {
		return nil, fault.Conflictf("report %s already has a solution", reportID)
	}

	now := config.Now()
	ok, err := m.store.TransitionStatus(ctx, reportID, store.StatusOpen, store.StatusAnalyzing, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fault.Conflictf("report %s is not open (status %s)", reportID, r.Status)
	}
	r.Status = store.StatusAnalyzing
	r.UpdatedAt = now
	m.publish(events.EventUpdate, events.EntityReport, *r)
	metrics.IncAnalysisStarted()

	// Once the gate commits, the run is no longer client-cancellable: an
	// abandoned request must still complete or revert server-side. Adapter
	// calls keep their own per-call deadlines.
	runCtx := context.WithoutCancel(ctx)
	if err := m.runAnalysis(runCtx, r); err != nil {
		metrics.IncAnalysisFailed()
		m.revert(runCtx, r)
		return nil, err
	}
	metrics.IncAnalysisSucceeded()

	final, err := m.store.GetReport(runCtx, reportID)
	if err != nil {
		return nil, err
	}
	return final, nil
}

func (m *Manager) runAnalysis(ctx context.Context, r *store.Report) error {
	outcome, err := m.analyzer.Analyze(ctx, *r)
	if err != nil {
		return err
	}
	now := config.Now()

	if outcome.Direct != nil {
		d := outcome.Direct
		sol := &store.Solution{
			ID:               uuid.NewString(),
			ReportID:         r.ID,
			Title:            d.Title,
			Steps:            d.Steps,
			Confidence:       d.Confidence,
			Source:           d.Source,
			RetrievalMethod:  outcome.RetrievalMethod,
			EmbeddingModel:   outcome.EmbeddingModel,
			SimilarityScore:  d.SimilarityScore,
			RetrievedSources: d.RetrievedSources,
			CreatedAt:        now,
		}
		if err := m.store.InsertDirectSolution(ctx, sol, now); err != nil {
			return err
		}
		log.Printf("report %s resolved directly source=%s confidence=%.2f", r.ID, sol.Source, sol.Confidence)
		r.Status = store.StatusResolved
		r.UpdatedAt = now
		m.publish(events.EventInsert, events.EntitySolution, *sol)
		m.publish(events.EventUpdate, events.EntityReport, *r)
		return nil
	}

	cands := make([]store.SolutionCandidate, 0, len(outcome.Candidates))
	for _, c := range outcome.Candidates {
		cands = append(cands, store.SolutionCandidate{
			ID:              uuid.NewString(),
			ReportID:        r.ID,
			Rank:            c.Rank,
			SourceID:        c.SourceID,
			Action:          c.Action,
			Detail:          c.Detail,
			Score:           c.Score,
			AvgDelay:        c.AvgDelay,
			TimesUsed:       c.TimesUsed,
			RetrievalMethod: outcome.RetrievalMethod,
			CreatedAt:       now,
		})
	}
	if err := m.store.ReplaceCandidates(ctx, r.ID, cands, now); err != nil {
		return err
	}
	log.Printf("report %s pending review candidates=%d method=%s", r.ID, len(cands), outcome.RetrievalMethod)
	r.Status = store.StatusPendingReview
	r.UpdatedAt = now
	m.publish(events.EventUpdate, events.EntityReport, *r)
	return nil
}

// revert is the compensating ANALYZING -> OPEN transition after a failed
// analysis. Budget exhaustion leaves the report stuck in ANALYZING; that is
// an operator problem, not a silent one.
func (m *Manager) revert(ctx context.Context, r *store.Report) {
	for attempt := 1; attempt <= m.revertAttempts; attempt++ {
		now := config.Now()
		ok, err := m.store.TransitionStatus(ctx, r.ID, store.StatusAnalyzing, store.StatusOpen, now)
		if err == nil {
			if ok {
				r.Status = store.StatusOpen
				r.UpdatedAt = now
				m.publish(events.EventUpdate, events.EntityReport, *r)
			}
			return
		}
		log.Printf("revert report=%s attempt=%d/%d failed: %v", r.ID, attempt, m.revertAttempts, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	metrics.IncReportStuck()
	log.Printf("ALERT report %s stuck in ANALYZING after %d revert attempts", r.ID, m.revertAttempts)
}

// Candidates lists the report's candidate set ordered by rank.
func (m *Manager) Candidates(ctx context.Context, reportID string) ([]store.SolutionCandidate, error) {
	r, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fault.NotFoundf("report %s", reportID)
	}
	return m.store.ListCandidates(ctx, reportID)
}

// Confirm turns one candidate into the report's Solution. Reviewer-only.
// Edited title/steps override the candidate's own values.
func (m *Manager) Confirm(ctx context.Context, actor Actor, candidateID string, editedTitle, editedSteps *string) (*store.Solution, error) {
	if actor.Role != RoleReviewer {
		return nil, fault.Authorizationf("confirm requires the %s role", RoleReviewer)
	}
	cand, err := m.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, fault.NotFoundf("candidate %s", candidateID)
	}
	r, err := m.store.GetReport(ctx, cand.ReportID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fault.NotFoundf("report %s", cand.ReportID)
	}

	now := config.Now()
	sol := &store.Solution{
		ID:              uuid.NewString(),
		ReportID:        cand.ReportID,
		Title:           cand.Action,
		Steps:           cand.Detail,
		Confidence:      cand.Score,
		Source:          confirmedSource(cand),
		RetrievalMethod: cand.RetrievalMethod,
		ConfirmedAt:     &now,
		CreatedAt:       now,
	}
	if editedTitle != nil && *editedTitle != "" {
		sol.Title = *editedTitle
	}
	if editedSteps != nil && *editedSteps != "" {
		sol.Steps = *editedSteps
	}
	if cand.SourceID != store.SourceFallback {
		sol.SimilarityScore = &cand.Score
		sol.RetrievedSources = []store.RetrievedSource{{ID: cand.SourceID, Score: cand.Score, Action: cand.Action}}
	}

	if err := m.store.ConfirmCandidate(ctx, sol, actor.ID, now); err != nil {
		return nil, err
	}
	log.Printf("report %s confirmed candidate=%s reviewer=%s source=%s", cand.ReportID, candidateID, actor.ID, sol.Source)

	// The committed transaction fixed the report's new state; build the event
	// from it rather than a refetch that could fail and drop the update.
	r.Status = store.StatusPendingConductor
	r.ReviewerID = &actor.ID
	r.UpdatedAt = now
	m.publish(events.EventInsert, events.EntitySolution, *sol)
	m.publish(events.EventUpdate, events.EntityReport, *r)
	return sol, nil
}

func confirmedSource(cand *store.SolutionCandidate) string {
	if cand.SourceID == store.SourceFallback {
		return store.SourceFallback
	}
	if cand.Score > 0.7 {
		return store.SourceHighConfidence
	}
	return store.SourcePartialMatch
}

// Acknowledge closes the loop: the filing conductor confirms receipt, the
// report resolves, and the incident is offered to the knowledge base
// best-effort.
func (m *Manager) Acknowledge(ctx context.Context, actor Actor, reportID string) (*store.Solution, error) {
	r, err := m.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fault.NotFoundf("report %s", reportID)
	}
	if actor.ID != r.ConductorID {
		return nil, fault.Authorizationf("only the filing conductor may acknowledge report %s", reportID)
	}

	now := config.Now()
	sol, err := m.store.AcknowledgeSolution(ctx, reportID, now)
	if err != nil {
		return nil, err
	}
	log.Printf("report %s acknowledged by conductor=%s", reportID, actor.ID)
	r.Status = store.StatusResolved
	r.UpdatedAt = now

	if m.feedback != nil {
		// The acknowledge already committed; the corpus publish must not be
		// lost to a client disconnect.
		m.feedback.PublishResolved(context.WithoutCancel(ctx), *r, *sol)
	}

	m.publish(events.EventUpdate, events.EntitySolution, *sol)
	m.publish(events.EventUpdate, events.EntityReport, *r)
	return sol, nil
}

func (m *Manager) publish(t events.EventType, entity events.Entity, payload any) {
	m.bus.Publish(events.Event{Type: t, Entity: entity, Payload: payload, Timestamp: config.Now()})
	metrics.IncEventPublished()
}
