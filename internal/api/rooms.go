package api

import (
	"crypto/rand"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"coderoom/internal/auth"
	"coderoom/internal/logging"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/pkg/models"
)

const roomCodeLen = 8

const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomHandler serves room CRUD, membership and per-room history endpoints.
type RoomHandler struct {
	store store.Store
}

func NewRoomHandler(st store.Store) *RoomHandler {
	return &RoomHandler{store: st}
}

// newRoomCode draws an 8-character join code. The alphabet skips the
// ambiguous characters (0/O, 1/I).
func newRoomCode() (string, error) {
	buf := make([]byte, roomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(buf), nil
}

type createRoomRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
	Password    string `json:"password"`
	MaxCapacity int    `json:"max_capacity"`
	Language    string `json:"language"`
}

type updateRoomRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	MaxCapacity *int    `json:"max_capacity"`
}

func (h *RoomHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rooms, total, err := h.store.ListPublicRooms(c.Request.Context(), limit, offset)
	if err != nil {
		logging.L().Error("list rooms", zap.Error(err))
		fail(c, http.StatusInternalServerError, "internal", "could not list rooms")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"rooms":  rooms,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *RoomHandler) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation", "name is required")
		return
	}
	if len(req.Name) < 3 || len(req.Name) > 100 {
		fail(c, http.StatusBadRequest, "validation", "room name must be 3-100 characters")
		return
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if visibility != models.VisibilityPublic && visibility != models.VisibilityPrivate {
		fail(c, http.StatusBadRequest, "validation", "visibility must be public or private")
		return
	}

	var passwordHash string
	if visibility == models.VisibilityPrivate {
		if len(req.Password) < 4 || len(req.Password) > 50 {
			fail(c, http.StatusBadRequest, "validation", "private rooms need a 4-50 character password")
			return
		}
		var err error
		passwordHash, err = auth.HashPassword(req.Password)
		if err != nil {
			fail(c, http.StatusInternalServerError, "internal", "could not create room")
			return
		}
	}

	capacity := req.MaxCapacity
	if capacity == 0 {
		capacity = 10
	}
	if capacity < 2 || capacity > 50 {
		fail(c, http.StatusBadRequest, "validation", "max_capacity must be 2-50")
		return
	}

	language := req.Language
	if language == "" {
		language = "javascript"
	}
	if !sandbox.Supported(language) {
		fail(c, http.StatusBadRequest, "validation", "unsupported language")
		return
	}

	ownerID := c.GetString("user_id")
	room := &models.Room{
		Name:         req.Name,
		Description:  req.Description,
		Visibility:   visibility,
		PasswordHash: passwordHash,
		MaxCapacity:  capacity,
		Language:     language,
		OwnerID:      ownerID,
	}

	// Retry on the (unlikely) code collision.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newRoomCode()
		if err != nil {
			fail(c, http.StatusInternalServerError, "internal", "could not create room")
			return
		}
		room.ID = code
		err = h.store.CreateRoom(c.Request.Context(), room)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			logging.L().Error("create room", zap.Error(err))
			fail(c, http.StatusInternalServerError, "internal", "could not create room")
			return
		}
		ok(c, http.StatusCreated, room)
		return
	}
	fail(c, http.StatusInternalServerError, "internal", "could not allocate a room code")
}

func (h *RoomHandler) Get(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "room not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load room")
		return
	}
	members, err := h.store.ListMembers(c.Request.Context(), room.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load room")
		return
	}
	ok(c, http.StatusOK, gin.H{"room": room, "members": members})
}

func (h *RoomHandler) Update(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member == nil || (member.Role != models.RoleOwner && member.Role != models.RoleAdmin) {
		fail(c, http.StatusForbidden, "forbidden", "only the owner or an admin can update the room")
		return
	}

	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "validation", "invalid body")
		return
	}
	if req.Name != nil {
		if len(*req.Name) < 3 || len(*req.Name) > 100 {
			fail(c, http.StatusBadRequest, "validation", "room name must be 3-100 characters")
			return
		}
		room.Name = *req.Name
	}
	if req.Description != nil {
		room.Description = *req.Description
	}
	if req.MaxCapacity != nil {
		if *req.MaxCapacity < 2 || *req.MaxCapacity > 50 {
			fail(c, http.StatusBadRequest, "validation", "max_capacity must be 2-50")
			return
		}
		room.MaxCapacity = *req.MaxCapacity
	}

	if err := h.store.UpdateRoom(c.Request.Context(), room); err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not update room")
		return
	}
	ok(c, http.StatusOK, room)
}

func (h *RoomHandler) Delete(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member == nil || member.Role != models.RoleOwner {
		fail(c, http.StatusForbidden, "forbidden", "only the owner can delete the room")
		return
	}
	if err := h.store.DeleteRoom(c.Request.Context(), room.ID); err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not delete room")
		return
	}
	ok(c, http.StatusOK, gin.H{"deleted": room.ID})
}

type joinRoomRequest struct {
	Password string `json:"password"`
}

// Join records a membership over HTTP. Live presence is still established
// over the websocket; this endpoint lets a client claim a seat first.
func (h *RoomHandler) Join(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member != nil {
		ok(c, http.StatusOK, member)
		return
	}

	var req joinRoomRequest
	_ = c.ShouldBindJSON(&req)

	if room.IsPrivate() {
		match, err := auth.VerifyPassword(req.Password, room.PasswordHash)
		if err != nil || !match {
			fail(c, http.StatusForbidden, "bad_password", "incorrect room password")
			return
		}
	}

	n, err := h.store.CountMembers(c.Request.Context(), room.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not join room")
		return
	}
	if n >= int64(room.MaxCapacity) {
		fail(c, http.StatusConflict, "full", "room is at capacity")
		return
	}

	m := &models.RoomMember{
		UserID:   c.GetString("user_id"),
		RoomID:   room.ID,
		Role:     models.RoleMember,
		JoinedAt: time.Now().UTC(),
	}
	err = h.store.AddMember(c.Request.Context(), m)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		fail(c, http.StatusInternalServerError, "internal", "could not join room")
		return
	}
	ok(c, http.StatusOK, m)
}

func (h *RoomHandler) Leave(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member == nil {
		fail(c, http.StatusNotFound, "not_found", "not a member of this room")
		return
	}
	if member.Role == models.RoleOwner {
		fail(c, http.StatusForbidden, "forbidden", "the owner cannot leave; delete the room instead")
		return
	}
	err := h.store.RemoveMember(c.Request.Context(), room.ID, member.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusInternalServerError, "internal", "could not leave room")
		return
	}
	ok(c, http.StatusOK, gin.H{"left": room.ID})
}

func (h *RoomHandler) Messages(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member == nil {
		fail(c, http.StatusForbidden, "forbidden", "chat history is member-only")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.store.ListChatMessages(c.Request.Context(), room.ID, limit, offset)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load messages")
		return
	}
	ok(c, http.StatusOK, gin.H{"messages": msgs, "limit": limit, "offset": offset})
}

func (h *RoomHandler) Executions(c *gin.Context) {
	room, member, done := h.roomAndMember(c)
	if done {
		return
	}
	if member == nil {
		fail(c, http.StatusForbidden, "forbidden", "execution history is member-only")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	logs, err := h.store.ListExecutions(c.Request.Context(), room.ID, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load executions")
		return
	}
	ok(c, http.StatusOK, gin.H{"executions": logs})
}

// Activity serves the caller's aggregate counters.
func (h *RoomHandler) Activity(c *gin.Context) {
	a, err := h.store.GetUserActivity(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load activity")
		return
	}
	ok(c, http.StatusOK, a)
}

// roomAndMember loads the room from the :id param and the caller's
// membership (nil when not a member). done reports that a response was
// already written.
func (h *RoomHandler) roomAndMember(c *gin.Context) (*models.Room, *models.RoomMember, bool) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "room not found")
		return nil, nil, true
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load room")
		return nil, nil, true
	}

	member, err := h.store.GetMember(c.Request.Context(), room.ID, c.GetString("user_id"))
	if errors.Is(err, store.ErrNotFound) {
		return room, nil, false
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal", "could not load membership")
		return nil, nil, true
	}
	return room, member, false
}
