// Package metrics keeps process-local pipeline counters.
package metrics

import "sync/atomic"

var (
	analysesStarted    int64
	analysesSucceeded  int64
	analysesFailed     int64
	fallbackCandidates int64
	reportsStuck       int64
	feedbackPublished  int64
	feedbackFailed     int64
	eventsPublished    int64
)

func IncAnalysisStarted()   { atomic.AddInt64(&analysesStarted, 1) }
func IncAnalysisSucceeded() { atomic.AddInt64(&analysesSucceeded, 1) }
func IncAnalysisFailed()    { atomic.AddInt64(&analysesFailed, 1) }
func IncFallbackCandidate() { atomic.AddInt64(&fallbackCandidates, 1) }
func IncReportStuck()       { atomic.AddInt64(&reportsStuck, 1) }
func IncFeedbackPublished() { atomic.AddInt64(&feedbackPublished, 1) }
func IncFeedbackFailed()    { atomic.AddInt64(&feedbackFailed, 1) }
func IncEventPublished()    { atomic.AddInt64(&eventsPublished, 1) }

func Snapshot() map[string]int64 {
	return map[string]int64{
		"analyses_started":    atomic.LoadInt64(&analysesStarted),
		"analyses_succeeded":  atomic.LoadInt64(&analysesSucceeded),
		"analyses_failed":     atomic.LoadInt64(&analysesFailed),
		"fallback_candidates": atomic.LoadInt64(&fallbackCandidates),
		"reports_stuck":       atomic.LoadInt64(&reportsStuck),
		"feedback_published":  atomic.LoadInt64(&feedbackPublished),
		"feedback_failed":     atomic.LoadInt64(&feedbackFailed),
		"events_published":    atomic.LoadInt64(&eventsPublished),
	}
}
