package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"railops/internal/config"
	"railops/internal/events"
	"railops/internal/fault"
	"railops/internal/rag"
	"railops/internal/store"
)

type fakeAnalyzer struct {
	outcome rag.Outcome
	err     error
	calls   int

	// cancel simulates the client abandoning the request mid-chain.
	cancel context.CancelFunc
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, r store.Report) (rag.Outcome, error) {
	f.calls++
	if f.cancel != nil {
		f.cancel()
	}
	return f.outcome, f.err
}

type fakeFeedback struct {
	calls   int
	lastSol store.Solution
}

func (f *fakeFeedback) PublishResolved(ctx context.Context, r store.Report, sol store.Solution) {
	f.calls++
	f.lastSol = sol
}

func newTestManager(t *testing.T, analyzer Analyzer, fb Feedback) (*Manager, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	cfg := config.Config{RevertAttempts: 3}
	return NewManager(cfg, st, analyzer, bus, fb), st, bus
}

func conductor() Actor { return Actor{ID: "conductor-1", Role: RoleConductor} }
func reviewer() Actor  { return Actor{ID: "reviewer-1", Role: RoleReviewer} }

func fileReport(t *testing.T, m *Manager) *store.Report {
	t.Helper()
	r, err := m.CreateReport(context.Background(), conductor(), CreateReportInput{
		Content:  "Train 404 struck debris on main line",
		Location: "KM 42, Line A",
		Urgency:  store.UrgencyHigh,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return r
}

func matchOutcome() rag.Outcome {
	return rag.Outcome{
		RetrievalMethod: "text-only",
		Candidates: []rag.Candidate{
			{Rank: 1, SourceID: "17", Action: "BUS_BRIDGE", Detail: "Deploy buses", Score: 0.82},
			{Rank: 2, SourceID: "9", Action: "REROUTE_FAST_TRACK", Detail: "Divert traffic", Score: 0.55},
		},
	}
}

func TestCreateReportValidation(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAnalyzer{}, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor Actor
		in    CreateReportInput
	}{
		{"empty content", conductor(), CreateReportInput{Urgency: store.UrgencyLow}},
		{"bad urgency", conductor(), CreateReportInput{Content: "x", Urgency: "SEVERE"}},
		{"too many images", conductor(), CreateReportInput{Content: "x", Urgency: store.UrgencyLow, ImageRefs: []string{"a", "b", "c", "d"}}},
		{"missing actor", Actor{}, CreateReportInput{Content: "x", Urgency: store.UrgencyLow}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.CreateReport(ctx, tc.actor, tc.in); !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateReportStartsOpen(t *testing.T) {
	m, st, bus := newTestManager(t, &fakeAnalyzer{}, nil)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	r := fileReport(t, m)
	if r.Status != store.StatusOpen {
		t.Fatalf("expected OPEN, got %s", r.Status)
	}
	stored, _ := st.GetReport(context.Background(), r.ID)
	if stored == nil || stored.ConductorID != "conductor-1" {
		t.Fatalf("report not persisted for conductor, got %+v", stored)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.EventInsert || ev.Entity != events.EntityReport {
			t.Fatalf("expected report INSERT event, got %s %s", ev.Type, ev.Entity)
		}
	case <-time.After(time.Second):
		t.Fatalf("no insert event published")
	}
}

func TestAnalyzeProducesCandidatesAndReview(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)

	got, err := m.Analyze(ctx, r.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Status != store.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", got.Status)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Score != 0.82 || cands[0].RetrievalMethod != "text-only" {
		t.Fatalf("unexpected first candidate %+v", cands[0])
	}
}

func TestAnalyzeConflictsWhenNotOpen(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)

	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	if _, err := m.Analyze(ctx, r.ID); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict on non-OPEN report, got %v", err)
	}
}

func TestAnalyzeConflictsWhenSolutionExists(t *testing.T) {
	analyzer := &fakeAnalyzer{outcome: matchOutcome()}
	m, st, _ := newTestManager(t, analyzer, nil)
	ctx := context.Background()
	r := fileReport(t, m)

	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)
	if _, err := m.Confirm(ctx, reviewer(), cands[0].ID, nil, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	calls := analyzer.calls
	_, err := m.Analyze(ctx, r.ID)
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict after solution exists, got %v", err)
	}
	if analyzer.calls != calls {
		t.Fatalf("chain must not re-run once a solution exists")
	}
	// Nothing changed.
	got, _ := st.GetReport(ctx, r.ID)
	if got.Status != store.StatusPendingConductor {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestAnalyzeMissingReport(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAnalyzer{}, nil)
	if _, err := m.Analyze(context.Background(), "nope"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAnalyzeFailureRevertsToOpen(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{err: errors.New("chain exploded")}, nil)
	ctx := context.Background()
	r := fileReport(t, m)

	if _, err := m.Analyze(ctx, r.ID); err == nil {
		t.Fatalf("expected analyze to fail")
	}
	got, _ := st.GetReport(ctx, r.ID)
	if got.Status != store.StatusOpen {
		t.Fatalf("expected compensating revert to OPEN, got %s", got.Status)
	}
	// The report can be analyzed again after the revert.
	m.analyzer = &fakeAnalyzer{outcome: matchOutcome()}
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("re-analyze after revert: %v", err)
	}
}

func TestAnalyzeCompletesAfterClientDisconnect(t *testing.T) {
	// The gate has committed; an abandoned request must not abort the chain.
	analyzer := &fakeAnalyzer{outcome: matchOutcome()}
	m, st, _ := newTestManager(t, analyzer, nil)
	r := fileReport(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	analyzer.cancel = cancel

	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze after disconnect: %v", err)
	}
	got, _ := st.GetReport(context.Background(), r.ID)
	if got.Status != store.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW despite disconnect, got %s", got.Status)
	}
}

func TestAnalyzeRevertSurvivesClientDisconnect(t *testing.T) {
	// A failed chain plus a dead request context must still revert to OPEN,
	// not strand the report in ANALYZING.
	analyzer := &fakeAnalyzer{err: errors.New("chain exploded")}
	m, st, _ := newTestManager(t, analyzer, nil)
	r := fileReport(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	analyzer.cancel = cancel

	if _, err := m.Analyze(ctx, r.ID); err == nil {
		t.Fatalf("expected analyze to fail")
	}
	got, _ := st.GetReport(context.Background(), r.ID)
	if got.Status != store.StatusOpen {
		t.Fatalf("expected revert to OPEN after disconnect, got %s", got.Status)
	}
}

func TestConcurrentAnalyzeOnlyOneRuns(t *testing.T) {
	analyzer := &fakeAnalyzer{outcome: matchOutcome()}
	m, st, _ := newTestManager(t, analyzer, nil)
	ctx := context.Background()
	r := fileReport(t, m)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Analyze(ctx, r.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, conflicted int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, fault.ErrConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected one winner and one conflict, got ok=%d conflict=%d", succeeded, conflicted)
	}
	if analyzer.calls != 1 {
		t.Fatalf("the losing call must not run the chain, calls=%d", analyzer.calls)
	}
	got, _ := st.GetReport(ctx, r.ID)
	if got.Status != store.StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %s", got.Status)
	}
}

func TestConcurrentConfirmsYieldOneSolution(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}

	// Two reviewers race on different candidates of the same report.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, c := range cands {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Confirm(ctx, reviewer(), c.ID, nil, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, lost int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		// The loser observes the winner's effect: either the guard/UNIQUE
		// conflict, or its candidate already deleted.
		case errors.Is(err, fault.ErrConflict), errors.Is(err, fault.ErrNotFound):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || lost != 1 {
		t.Fatalf("expected exactly one confirm to win, got ok=%d lost=%d", succeeded, lost)
	}
	sol, err := st.GetSolutionByReport(ctx, r.ID)
	if err != nil || sol == nil {
		t.Fatalf("expected exactly one solution, got %+v err=%v", sol, err)
	}
	left, _ := st.ListCandidates(ctx, r.ID)
	if len(left) != 0 {
		t.Fatalf("expected all candidates deleted, %d left", len(left))
	}
}

func TestConfirmPublishesReportUpdate(t *testing.T) {
	m, st, bus := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	if _, err := m.Confirm(ctx, reviewer(), cands[0].ID, nil, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	var sawSolution bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			switch ev.Entity {
			case events.EntitySolution:
				sawSolution = true
			case events.EntityReport:
				rp, ok := ev.Payload.(store.Report)
				if !ok {
					t.Fatalf("report payload has wrong type %T", ev.Payload)
				}
				if rp.Status != store.StatusPendingConductor {
					t.Fatalf("expected PENDING_CONDUCTOR in report event, got %s", rp.Status)
				}
				if rp.ReviewerID == nil || *rp.ReviewerID != "reviewer-1" {
					t.Fatalf("expected reviewer in report event, got %v", rp.ReviewerID)
				}
				if !sawSolution {
					t.Fatalf("solution insert must be published before the report update")
				}
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("missing confirm events (solution seen=%v)", sawSolution)
		}
	}
	t.Fatalf("report update event never arrived")
}

func TestAnalyzeDirectModeResolves(t *testing.T) {
	score := 0.82
	analyzer := &fakeAnalyzer{outcome: rag.Outcome{
		RetrievalMethod: "multimodal",
		Direct: &rag.DirectSolution{
			Title:            "Emergency Bus Bridge",
			Steps:            "1. Halt traffic. 2. Deploy buses.",
			Confidence:       0.87,
			Source:           store.SourceHighConfidence,
			SimilarityScore:  &score,
			RetrievedSources: []store.RetrievedSource{{ID: "17", Score: 0.82, Action: "BUS_BRIDGE"}},
		},
	}}
	m, st, bus := newTestManager(t, analyzer, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	got, err := m.Analyze(ctx, r.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Status != store.StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", got.Status)
	}
	sol, _ := st.GetSolutionByReport(ctx, r.ID)
	if sol == nil || sol.ConfirmedAt != nil {
		t.Fatalf("expected unconfirmed direct solution, got %+v", sol)
	}
	if sol.RetrievalMethod != "multimodal" {
		t.Fatalf("expected retrieval method carried, got %q", sol.RetrievalMethod)
	}

	// Solution INSERT then report UPDATE; clients must tolerate either order,
	// but the manager emits both.
	var sawSolution, sawReport bool
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			switch ev.Entity {
			case events.EntitySolution:
				sawSolution = true
			case events.EntityReport:
				sawReport = true
			}
		case <-time.After(time.Second):
		}
	}
	if !sawSolution || !sawReport {
		t.Fatalf("expected solution and report events, got solution=%v report=%v", sawSolution, sawReport)
	}
}

func TestConfirmRequiresReviewerRole(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)

	if _, err := m.Confirm(ctx, conductor(), cands[0].ID, nil, nil); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestConfirmWithEditsAndSourceLabel(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)

	title := "Emergency Bus Bridge"
	sol, err := m.Confirm(ctx, reviewer(), cands[0].ID, &title, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if sol.Title != "Emergency Bus Bridge" {
		t.Fatalf("edited title not applied: %q", sol.Title)
	}
	if sol.Steps != "Deploy buses" {
		t.Fatalf("expected candidate detail as steps, got %q", sol.Steps)
	}
	if sol.Source != store.SourceHighConfidence {
		t.Fatalf("score 0.82 must label high-confidence, got %s", sol.Source)
	}
	if sol.Confidence != 0.82 {
		t.Fatalf("expected confidence 0.82, got %v", sol.Confidence)
	}
	if sol.ConfirmedAt == nil {
		t.Fatalf("confirmed solution must carry confirmedAt")
	}

	left, _ := st.ListCandidates(ctx, r.ID)
	if len(left) != 0 {
		t.Fatalf("expected all candidates deleted, %d left", len(left))
	}
	got, _ := st.GetReport(ctx, r.ID)
	if got.Status != store.StatusPendingConductor {
		t.Fatalf("expected PENDING_CONDUCTOR, got %s", got.Status)
	}
	if got.ReviewerID == nil || *got.ReviewerID != "reviewer-1" {
		t.Fatalf("expected reviewer recorded, got %v", got.ReviewerID)
	}
}

func TestConfirmLowScoreIsPartialMatch(t *testing.T) {
	outcome := matchOutcome()
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: outcome}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)

	sol, err := m.Confirm(ctx, reviewer(), cands[1].ID, nil, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if sol.Source != store.SourcePartialMatch {
		t.Fatalf("score 0.55 must label partial-match, got %s", sol.Source)
	}
}

func TestConfirmFallbackCandidateKeepsFallbackSource(t *testing.T) {
	outcome := rag.Outcome{
		RetrievalMethod: "text-only",
		Candidates: []rag.Candidate{
			{Rank: 1, SourceID: store.SourceFallback, Action: "BUS_BRIDGE", Detail: "Deploy buses", Score: 0.3},
		},
	}
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: outcome}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)

	sol, err := m.Confirm(ctx, reviewer(), cands[0].ID, nil, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if sol.Source != store.SourceFallback {
		t.Fatalf("expected fallback-template source, got %s", sol.Source)
	}
	if len(sol.RetrievedSources) != 0 {
		t.Fatalf("fallback solution must not claim retrieved sources")
	}
}

func TestConfirmMissingCandidate(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAnalyzer{}, nil)
	if _, err := m.Confirm(context.Background(), reviewer(), "nope", nil, nil); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcknowledgeClosesLoop(t *testing.T) {
	fb := &fakeFeedback{}
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, fb)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)
	if _, err := m.Confirm(ctx, reviewer(), cands[0].ID, nil, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	sol, err := m.Acknowledge(ctx, conductor(), r.ID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if sol.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledgedAt set")
	}
	got, _ := st.GetReport(ctx, r.ID)
	if got.Status != store.StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", got.Status)
	}
	if fb.calls != 1 {
		t.Fatalf("expected feedback publish attempted once, got %d", fb.calls)
	}
	if fb.lastSol.AcknowledgedAt == nil {
		t.Fatalf("feedback must see the acknowledged solution")
	}

	if _, err := m.Acknowledge(ctx, conductor(), r.ID); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict on second acknowledge, got %v", err)
	}
	if fb.calls != 1 {
		t.Fatalf("failed acknowledge must not publish feedback")
	}
}

func TestAcknowledgeRequiresFilingConductor(t *testing.T) {
	m, st, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	cands, _ := st.ListCandidates(ctx, r.ID)
	if _, err := m.Confirm(ctx, reviewer(), cands[0].ID, nil, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	other := Actor{ID: "conductor-2", Role: RoleConductor}
	if _, err := m.Acknowledge(ctx, other, r.ID); !errors.Is(err, fault.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestAcknowledgeBeforeConfirmConflicts(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeAnalyzer{outcome: matchOutcome()}, nil)
	ctx := context.Background()
	r := fileReport(t, m)
	if _, err := m.Analyze(ctx, r.ID); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if _, err := m.Acknowledge(ctx, conductor(), r.ID); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict before confirmation, got %v", err)
	}
}
