package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"coderoom/internal/logging"
	"coderoom/internal/queue"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/pkg/models"
)

// ExecuteHandler accepts execution requests over plain HTTP, for clients
// without a live socket. Results still fan out over the room's websocket
// and land in the execution log.
type ExecuteHandler struct {
	store    store.Store
	queue    *queue.Queue
	disabled bool
}

func NewExecuteHandler(st store.Store, q *queue.Queue, disabled bool) *ExecuteHandler {
	return &ExecuteHandler{store: st, queue: q, disabled: disabled}
}

type executeRequest struct {
	RoomID   string `json:"room_id" binding:"required"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
}

func (h *ExecuteHandler) Execute(c *gin.Context) {
	if h.disabled {
		fail(c, http.StatusServiceUnavailable, "exec_disabled", "code execution is disabled")
		return
	}

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation", "room_id is required")
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString("user_id")

	room, err := h.store.GetRoom(ctx, req.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "room not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load room")
		return
	}
	if _, err := h.store.GetMember(ctx, room.ID, userID); err != nil {
		fail(c, http.StatusForbidden, "forbidden", "execution is member-only")
		return
	}

	language := req.Language
	if language == "" {
		language = room.Language
	}
	if !sandbox.Supported(language) {
		fail(c, http.StatusBadRequest, "validation", "unsupported language")
		return
	}
	code := req.Code
	if code == "" {
		code = room.CodeBuffer
	}
	stdin := req.Stdin
	if stdin == "" {
		stdin = room.InputBuffer
	}

	busy, err := h.store.HasActiveExecution(ctx, room.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not check execution state")
		return
	}
	if busy {
		fail(c, http.StatusConflict, "busy", "an execution is already in flight for this room")
		return
	}

	execID := uuid.NewString()
	row := &models.ExecutionLog{
		ID:       execID,
		RoomID:   room.ID,
		UserID:   &userID,
		Language: language,
		Code:     code,
		Stdin:    stdin,
		Status:   models.ExecStatusPending,
	}
	if err := h.store.CreateExecution(ctx, row); err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not record execution")
		return
	}

	job := &queue.Job{
		ID:          execID,
		RoomID:      room.ID,
		RequesterID: userID,
		Request: sandbox.Request{
			ExecutionID: execID,
			Language:    language,
			Code:        code,
			Stdin:       stdin,
		},
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		logging.L().Error("enqueue execution", zap.String("execution_id", execID), zap.Error(err))
		row.Status = models.ExecStatusFailed
		row.Stderr = "could not enqueue execution"
		_ = h.store.UpdateExecution(ctx, row)
		fail(c, http.StatusInternalServerError, "internal", "could not enqueue execution")
		return
	}

	ok(c, http.StatusAccepted, gin.H{
		"execution_id": execID,
		"status":       models.ExecStatusPending,
	})
}

// Status returns a single execution row, member-only.
func (h *ExecuteHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	row, err := h.store.GetExecution(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load execution")
		return
	}
	if _, err := h.store.GetMember(ctx, row.RoomID, c.GetString("user_id")); err != nil {
		fail(c, http.StatusForbidden, "forbidden", "execution history is member-only")
		return
	}
	ok(c, http.StatusOK, row)
}
