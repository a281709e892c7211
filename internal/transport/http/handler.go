package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"cbt-battle-service/internal/app"
	"cbt-battle-service/internal/domain"
)

// TokenVerifier resolves a bearer credential to a principal.
type TokenVerifier interface {
	Verify(token string) (domain.Principal, error)
}

// Handler exposes the battle engine over JSON HTTP.
type Handler struct {
	service  *app.BattleService
	verifier TokenVerifier
}

func NewHandler(service *app.BattleService, verifier TokenVerifier) *Handler {
	return &Handler{service: service, verifier: verifier}
}

// Register wires all battle routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/battles", h.withAuth(h.listBattles))
	mux.HandleFunc("POST /api/battles", h.withAuth(h.createBattle))
	mux.HandleFunc("POST /api/battles/{id}/join", h.withAuth(h.joinBattle))
	mux.HandleFunc("POST /api/battles/{id}/start", h.withAuth(h.startBattle))
	mux.HandleFunc("POST /api/battles/{id}/answer", h.withAuth(h.submitAnswer))
	mux.HandleFunc("POST /api/battles/{id}/finish", h.withAuth(h.finishBattle))
	mux.HandleFunc("GET /api/me/stats", h.withAuth(h.userStats))
	mux.HandleFunc("GET /api/battles/{id}/watch", h.watchBattle)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p domain.Principal)

func (h *Handler) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := h.principal(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, p)
	}
}

// principal extracts the bearer token from the Authorization header, with a
// token query parameter fallback for websocket clients.
func (h *Handler) principal(r *http.Request) (domain.Principal, error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return h.verifier.Verify(token)
}

type createBattleRequest struct {
	Title           string `json:"title"`
	SubjectID       string `json:"subjectId"`
	TotalQuestions  int    `json:"totalQuestions"`
	TimePerQuestion int    `json:"timePerQuestion"`
}

func (h *Handler) createBattle(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req createBattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	battle, err := h.service.Create(r.Context(), p, app.CreateBattleInput{
		Title:           req.Title,
		SubjectID:       req.SubjectID,
		TotalQuestions:  req.TotalQuestions,
		TimePerQuestion: req.TimePerQuestion,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, battle)
}

func (h *Handler) listBattles(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	battles, err := h.service.ListOpen(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, battles)
}

func (h *Handler) joinBattle(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	battle, err := h.service.Join(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, battle)
}

type startBattleResponse struct {
	Battle    domain.Battle     `json:"battle"`
	Questions []domain.Question `json:"questions"`
}

func (h *Handler) startBattle(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	battle, questions, err := h.service.Start(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startBattleResponse{Battle: battle, Questions: questions})
}

type answerRequest struct {
	QuestionID     string `json:"questionId"`
	OptionID       string `json:"optionId"`
	ResponseTimeMs int    `json:"responseTimeMs"`
}

type answerResponse struct {
	QuestionID string `json:"questionId"`
	IsCorrect  bool   `json:"isCorrect"`
}

func (h *Handler) submitAnswer(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := h.service.SubmitAnswer(r.Context(), p, r.PathValue("id"), app.AnswerInput{
		QuestionID:     req.QuestionID,
		OptionID:       req.OptionID,
		ResponseTimeMs: req.ResponseTimeMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{QuestionID: resp.QuestionID, IsCorrect: resp.Correct})
}

func (h *Handler) finishBattle(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	result, err := h.service.Finish(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request, p domain.Principal) {
	stats, err := h.service.Stats(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrSelfJoin), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrBattleNotFound),
		errors.Is(err, domain.ErrSubjectNotFound),
		errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrOptionNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
		writeJSON(w, status, errorPayload{Message: "internal server error"})
		return
	}
	writeJSON(w, status, errorPayload{Message: err.Error()})
}
