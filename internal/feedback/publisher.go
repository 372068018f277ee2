// Package feedback publishes acknowledged incidents back into the long-term
// retrieval corpus. Strictly best-effort: a failure here is logged and
// counted, never surfaced to the acknowledging caller, never retried.
package feedback

import (
	"context"
	"log"

	"railops/internal/metrics"
	"railops/internal/store"
	"railops/internal/vectorsearch"
)

// Ingester is the knowledge-base write endpoint.
type Ingester interface {
	AddIncident(ctx context.Context, inc vectorsearch.Incident) error
}

// Publisher builds and ships the resolved-incident record.
type Publisher struct {
	ingester Ingester
	enabled  bool
}

func NewPublisher(ingester Ingester, enabled bool) *Publisher {
	return &Publisher{ingester: ingester, enabled: enabled}
}

// PublishResolved offers the report and its acknowledged solution to the
// corpus. Downtime is the elapsed OPEN -> acknowledged span in minutes.
func (p *Publisher) PublishResolved(ctx context.Context, r store.Report, sol store.Solution) {
	if !p.enabled {
		return
	}
	downtime := 0
	if sol.AcknowledgedAt != nil {
		downtime = int(sol.AcknowledgedAt.Sub(r.CreatedAt).Minutes())
		if downtime < 0 {
			downtime = 0
		}
	}
	inc := vectorsearch.Incident{
		Description:      r.Content,
		ResolutionAction: sol.Title,
		ResolutionDetail: sol.Steps,
		ImageURLs:        r.ImageRefs,
		Location:         r.Location,
		ReportID:         r.ID,
		DowntimeMinutes:  downtime,
	}
	if err := p.ingester.AddIncident(ctx, inc); err != nil {
		metrics.IncFeedbackFailed()
		log.Printf("feedback: publish report=%s failed: %v", r.ID, err)
		return
	}
	metrics.IncFeedbackPublished()
	log.Printf("feedback: published report=%s downtime=%dm", r.ID, downtime)
}
