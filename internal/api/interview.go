package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/interview-live/internal/domain"
	"github.com/ashureev/interview-live/internal/gateway"
	"github.com/ashureev/interview-live/internal/identity"
	"github.com/ashureev/interview-live/internal/interview"
	"github.com/ashureev/interview-live/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	maxBodyBytes    = 1 << 20
	defaultListSize = 20
)

// InterviewHandler serves the interview REST endpoints.
type InterviewHandler struct {
	reg    *interview.Registry
	repo   store.Repository
	policy gateway.ReconnectPolicy
	logger *slog.Logger
}

// NewInterviewHandler creates an interview handler. repo may be nil, in which
// case candidate listings are unavailable.
func NewInterviewHandler(reg *interview.Registry, repo store.Repository, policy gateway.ReconnectPolicy, logger *slog.Logger) *InterviewHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterviewHandler{reg: reg, repo: repo, policy: policy, logger: logger}
}

// RegisterRoutes registers interview routes.
func (h *InterviewHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/me/interviews", h.ListMine)
		r.Post("/interviews", h.Create)
		r.Get("/interviews/{id}", h.Get)
		r.Get("/interviews/{id}/status", h.Status)
		r.Post("/interviews/{id}/messages", h.Submit)
		r.Post("/interviews/{id}/advance", h.Advance)
		r.Post("/interviews/{id}/end", h.End)
	})
}

// CreateRequest is the body of POST /api/interviews.
type CreateRequest struct {
	InterviewID    string `json:"interviewId,omitempty"`
	InitialContext string `json:"initialContext,omitempty"`
	// Resume is parsed resume text. It is used as the initial context when
	// none is given.
	Resume string `json:"resume,omitempty"`
}

// GetConfig returns the settings clients need before connecting.
func (h *InterviewHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.reg.Config()
	JSON(w, http.StatusOK, map[string]interface{}{
		"reconnect":             h.policy,
		"stageAdvanceThreshold": cfg.StageAdvanceThreshold,
		"maxMessageLength":      cfg.MaxMessageLength,
		"stages":                domain.Stages,
	})
}

// Create opens an interview, or returns the live one with the same id.
func (h *InterviewHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	candidateID := identity.CandidateIDFromContext(r.Context())
	initial := strings.TrimSpace(req.InitialContext)
	if initial == "" {
		initial = strings.TrimSpace(req.Resume)
	}

	status := http.StatusCreated
	if req.InterviewID != "" {
		if _, err := h.reg.Get(req.InterviewID); err == nil {
			status = http.StatusOK
		}
	}

	sess, err := h.reg.Open(r.Context(), req.InterviewID, interview.OpenOptions{
		InitialContext: initial,
		CandidateID:    candidateID,
	})
	if err != nil {
		h.logger.Warn("Failed to open interview", "error", err, "interview_id", req.InterviewID, "candidate_id", candidateID)
		ErrorFrom(w, err)
		return
	}

	st, err := sess.State(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	if status == http.StatusCreated {
		h.logger.Info("Interview created", "interview_id", st.InterviewID, "candidate_id", candidateID, "has_context", initial != "")
	}
	JSON(w, status, st)
}

// Get returns the full state of a live or archived interview.
func (h *InterviewHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.reg.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Status returns the lightweight session view.
func (h *InterviewHandler) Status(w http.ResponseWriter, r *http.Request) {
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	view, err := sess.Status(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, view)
}

// Submit sends a candidate message and waits for the persona reply.
func (h *InterviewHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	msgs, err := sess.SubmitUserMessage(r.Context(), req.Content)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

// Advance requests the next stage.
func (h *InterviewHandler) Advance(w http.ResponseWriter, r *http.Request) {
	sess, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	next, err := sess.RequestStageAdvance(r.Context())
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"stage": next})
}

// End completes the interview and returns its final state.
func (h *InterviewHandler) End(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	interviewID := chi.URLParam(r, "id")
	sess, err := h.reg.Get(interviewID)
	if err != nil {
		// Evicted interviews are ended already.
		if st, aerr := h.reg.GetSession(r.Context(), interviewID); aerr == nil && st.Status.Terminal() {
			err = domain.ErrSessionClosed
		}
		ErrorFrom(w, err)
		return
	}
	final, err := sess.RequestEnd(r.Context(), req.Reason)
	if err != nil {
		ErrorFrom(w, err)
		return
	}
	h.logger.Info("Interview ended via API", "interview_id", interviewID, "status", final.FinalStatus)
	JSON(w, http.StatusOK, final)
}

// ListMine lists the calling candidate's archived interviews.
func (h *InterviewHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	candidateID := identity.CandidateIDFromContext(r.Context())
	if candidateID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.repo == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"interviews": []store.InterviewListing{}})
		return
	}
	list, err := h.repo.ListByCandidate(r.Context(), candidateID, defaultListSize)
	if err != nil {
		h.logger.Error("Failed to list interviews", "error", err, "candidate_id", candidateID)
		Error(w, http.StatusInternalServerError, "failed to list interviews")
		return
	}
	if list == nil {
		list = []store.InterviewListing{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"interviews": list})
}

// decodeBody decodes a JSON body. An empty body leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
