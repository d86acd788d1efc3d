package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
)

const (
	defaultContextLimit = 5
	maxContextLimit     = 100
)

// StatusSource reports live session status.
type StatusSource interface {
	Status() session.Status
}

// MemoryReader is the read side of the interaction log.
type MemoryReader interface {
	RecentContext(limit int) []memory.Exchange
	AllLearned() map[string]memory.LearnedFact
	Learned(key string) (memory.LearnedFact, bool)
}

// Handler 只读的检查接口
type Handler struct {
	status StatusSource
	memory MemoryReader
	logger *zap.Logger
}

// New 创建检查接口处理器
func New(status StatusSource, mem MemoryReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{status: status, memory: mem, logger: logger.Named("api")}
}

// RegisterRoutes 注册检查相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/context", h.handleContext)
	r.Get("/learned", h.handleLearned)
	r.Get("/learned/{key}", h.handleLearnedKey)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.status.Status())
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	limit := defaultContextLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxContextLimit)
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"limit":     limit,
		"exchanges": h.memory.RecentContext(limit),
	})
}

func (h *Handler) handleLearned(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.memory.AllLearned())
}

func (h *Handler) handleLearnedKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	fact, ok := h.memory.Learned(key)
	if !ok {
		h.respondError(w, http.StatusNotFound, "nothing learned for key")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"key":        key,
		"value":      fact.Value,
		"learned_at": fact.LearnedAt,
	})
}

// respondJSON 发送JSON响应
func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// respondError 发送错误响应
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
