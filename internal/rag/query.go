// Package rag runs the retrieval chain that turns a report into ranked
// solution candidates, or in direct mode an authored solution. Strategies
// degrade in a fixed order: multimodal or text embedding, vector search,
// keyword search, canned template.
package rag

import (
	"fmt"
	"strings"

	"railops/internal/store"
)

// BuildQuery produces the composite query string for retrieval.
func BuildQuery(r store.Report) string {
	parts := []string{strings.TrimSpace(r.Content)}
	if loc := strings.TrimSpace(r.Location); loc != "" {
		parts = append(parts, fmt.Sprintf("Location: %s", loc))
	}
	parts = append(parts, fmt.Sprintf("Urgency: %s", r.Urgency))
	return strings.Join(parts, " | ")
}
