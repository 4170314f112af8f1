package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
)

// ChatHandler 问答与历史
type ChatHandler struct {
	svc *pipeline.Service
}

// NewChatHandler 创建问答处理器
func NewChatHandler(svc *pipeline.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes 注册问答路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.Ask)
	r.Get("/api/chat", h.History)
}

type chatRequest struct {
	Query  string               `json:"query"`
	Filter *rag.RetrievalFilter `json:"filter,omitempty"`
}

type chatResponse struct {
	Answer  string           `json:"answer"`
	Sources []rag.Provenance `json:"sources"`
}

func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFrom(r.Context())
	if err != nil {
		writeServiceError(w, pipeline.ErrAuthRequired)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filter != nil && req.Filter.SourceKind != "" {
		kind, err := rag.ParseSourceKind(string(req.Filter.SourceKind))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Filter.SourceKind = kind
	}

	result, err := h.svc.Answer(r.Context(), identity, req.Query, req.Filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []rag.Provenance{}
	}
	writeJSON(w, http.StatusOK, &chatResponse{Answer: result.Answer, Sources: sources})
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFrom(r.Context())
	if err != nil {
		writeServiceError(w, pipeline.ErrAuthRequired)
		return
	}

	turns, err := h.svc.History(r.Context(), identity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if turns == nil {
		turns = []pipeline.ChatTurn{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": turns})
}
