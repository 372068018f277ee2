package events

import (
	"sync"

	"railops/internal/store"
)

// ReportView is the merged per-report state a client holds.
type ReportView struct {
	Report   store.Report    `json:"report"`
	Solution *store.Solution `json:"solution,omitempty"`
}

// Projection merges Report and Solution events keyed by report id. The merge
// is commutative over {report update, solution insert/update} pairs: a
// solution event may land before the report event it belongs to, and both
// orders converge to the same view.
type Projection struct {
	mu    sync.RWMutex
	views map[string]*ReportView
}

func NewProjection() *Projection {
	return &Projection{views: make(map[string]*ReportView)}
}

// Apply folds one event into the projection.
func (p *Projection) Apply(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Entity {
	case EntityReport:
		r, ok := ev.Payload.(store.Report)
		if !ok {
			return
		}
		v := p.views[r.ID]
		if v == nil {
			v = &ReportView{}
			p.views[r.ID] = v
		}
		// Replace report fields, preserve any locally-attached solution.
		v.Report = r
		// Re-apply the direct-generation rule so the merge commutes when the
		// solution event arrived first.
		if v.Solution != nil && v.Solution.ConfirmedAt == nil {
			v.Report.Status = store.StatusResolved
		}
	case EntitySolution:
		sol, ok := ev.Payload.(store.Solution)
		if !ok {
			return
		}
		v := p.views[sol.ReportID]
		if v == nil {
			// Solution observed before its report: hold a stub until the
			// report event fills in the rest.
			v = &ReportView{Report: store.Report{ID: sol.ReportID}}
			p.views[sol.ReportID] = v
		}
		solCopy := sol
		v.Solution = &solCopy
		// Legacy direct-generation path: a solution that was never
		// confirmed means the report skipped PENDING_CONDUCTOR entirely.
		if sol.ConfirmedAt == nil {
			v.Report.Status = store.StatusResolved
		}
	}
}

// View returns the merged state for one report.
func (p *Projection) View(reportID string) (ReportView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.views[reportID]
	if !ok {
		return ReportView{}, false
	}
	return *v, true
}

// Len reports how many reports the projection tracks.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.views)
}
