package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ballotbox/internal/api"
	"github.com/hitoshi/ballotbox/internal/model"
	"github.com/hitoshi/ballotbox/internal/poll"
)

// PollServiceInterface は投票定義ハンドラーが必要とするサービスインターフェース。
type PollServiceInterface interface {
	Create(ctx context.Context, in poll.CreateInput) (*model.Poll, error)
	Get(ctx context.Context, pollID string) (*model.Poll, error)
	List(ctx context.Context) ([]*model.Poll, error)
	Open(ctx context.Context, pollID string) (*model.Poll, error)
	Close(ctx context.Context, pollID string) (*model.Poll, error)
}

// PollHandler は投票定義のHTTPハンドラー。
type PollHandler struct {
	service PollServiceInterface
}

// NewPollHandler はPollHandlerを生成する。
func NewPollHandler(service PollServiceInterface) *PollHandler {
	return &PollHandler{service: service}
}

// pollListResponse は投票一覧のAPIレスポンス。
type pollListResponse struct {
	Polls []api.PollResponse `json:"polls"`
}

// CreatePoll は投票をdraft状態で作成する。
// POST /polls
func (h *PollHandler) CreatePoll(w http.ResponseWriter, r *http.Request) {
	var req api.CreatePollRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	p, err := h.service.Create(r.Context(), poll.CreateInput{
		PollID:      req.PollID,
		Title:       req.Title,
		Description: req.Description,
		Options:     req.Options,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		IAPublicKey: req.IAPublicKey,
		MinTier:     req.MinTier,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.PollFrom(p))
}

// GetPoll は投票を1件返す。
// GET /polls/{poll_id}
func (h *PollHandler) GetPoll(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), chi.URLParam(r, "poll_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PollFrom(p))
}

// ListPolls は投票一覧を返す。
// GET /polls
func (h *PollHandler) ListPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := pollListResponse{Polls: make([]api.PollResponse, 0, len(polls))}
	for _, p := range polls {
		resp.Polls = append(resp.Polls, api.PollFrom(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// OpenPoll はdraftの投票を受付中にする。
// POST /polls/{poll_id}/open
func (h *PollHandler) OpenPoll(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Open(r.Context(), chi.URLParam(r, "poll_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PollFrom(p))
}

// ClosePoll は受付中の投票を終了する。
// POST /polls/{poll_id}/close
func (h *PollHandler) ClosePoll(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Close(r.Context(), chi.URLParam(r, "poll_id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.PollFrom(p))
}
