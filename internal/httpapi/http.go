// Package httpapi is the thin HTTP edge: JSON in, JSON out, fault kinds
// mapped to status codes. All pipeline semantics live in lifecycle.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"railops/internal/events"
	"railops/internal/fault"
	"railops/internal/lifecycle"
	"railops/internal/metrics"
	"railops/internal/store"
)

// Server wires the pipeline into HTTP handlers.
type Server struct {
	manager *lifecycle.Manager
	store   *store.Store
	bus     *events.Bus
}

func NewServer(manager *lifecycle.Manager, st *store.Store, bus *events.Bus) *Server {
	return &Server{manager: manager, store: st, bus: bus}
}

// Routes registers every endpoint on the mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/reports", s.handleReports)
	mux.HandleFunc("/api/reports/", s.handleReportItem)
	mux.HandleFunc("/api/candidates/", s.handleCandidateItem)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/ops/health", s.handleHealth)
	mux.HandleFunc("/ops/metrics", s.handleMetrics)
}

// actorFromRequest trusts the upstream identity provider's headers.
func actorFromRequest(r *http.Request) lifecycle.Actor {
	return lifecycle.Actor{
		ID:   r.Header.Get("X-Actor-Id"),
		Role: strings.ToLower(r.Header.Get("X-Actor-Role")),
	}
}

type createReportRequest struct {
	Content   string   `json:"content"`
	Location  string   `json:"location"`
	Urgency   string   `json:"urgency"`
	ImageRefs []string `json:"image_refs"`
	TrainID   *string  `json:"train_id"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fault.Validationf("bad json: %v", err))
			return
		}
		report, err := s.manager.CreateReport(r.Context(), actorFromRequest(r), lifecycle.CreateReportInput{
			Content:   strings.TrimSpace(req.Content),
			Location:  strings.TrimSpace(req.Location),
			Urgency:   store.Urgency(strings.ToUpper(req.Urgency)),
			ImageRefs: req.ImageRefs,
			TrainID:   req.TrainID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, report)
	case http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
				limit = v
			}
		}
		reports, err := s.store.ListReports(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if reports == nil {
			reports = []store.Report{}
		}
		respondJSON(w, http.StatusOK, reports)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// reportDetail is the full per-report view: the report, its solution if one
// exists, and its candidate set if it is pending review.
type reportDetail struct {
	Report     store.Report              `json:"report"`
	Solution   *store.Solution           `json:"solution,omitempty"`
	Candidates []store.SolutionCandidate `json:"candidates,omitempty"`
}

func (s *Server) handleReportItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, fault.Validationf("missing report id"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.getReportDetail(w, r, id)
	case "analyze":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		report, err := s.manager.Analyze(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, report)
	case "candidates":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cands, err := s.manager.Candidates(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if cands == nil {
			cands = []store.SolutionCandidate{}
		}
		respondJSON(w, http.StatusOK, cands)
	case "acknowledge":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sol, err := s.manager.Acknowledge(r.Context(), actorFromRequest(r), id)
		if err != nil {
			writeError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, sol)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getReportDetail(w http.ResponseWriter, r *http.Request, id string) {
	report, err := s.store.GetReport(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if report == nil {
		writeError(w, fault.NotFoundf("report %s", id))
		return
	}
	detail := reportDetail{Report: *report}
	if detail.Solution, err = s.store.GetSolutionByReport(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if detail.Candidates, err = s.store.ListCandidates(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

type confirmRequest struct {
	Title *string `json:"title"`
	Steps *string `json:"steps"`
}

func (s *Server) handleCandidateItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/candidates/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "confirm" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fault.Validationf("bad json: %v", err))
			return
		}
	}
	sol, err := s.manager.Confirm(r.Context(), actorFromRequest(r), id, req.Title, req.Steps)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sol)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, metrics.Snapshot())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

// writeError maps the fault taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrExternal):
		status = http.StatusBadGateway
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
