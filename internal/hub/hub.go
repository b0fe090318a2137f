// Package hub is the authoritative in-memory coordinator for all active
// rooms in this process. Every mutation of a room's runtime state happens
// under that room's serializer, so events for one room reach every subscriber
// in the same order.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coderoom/internal/auth"
	"coderoom/internal/logging"
	"coderoom/internal/metrics"
	"coderoom/internal/ot"
	"coderoom/internal/queue"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/pkg/models"
)

// Hub operation failures, mapped onto the wire error taxonomy by callers.
var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrBadPassword         = errors.New("wrong room password")
	ErrAlreadyJoined       = errors.New("already joined")
	ErrNotMember           = errors.New("not a member of this room")
	ErrBusy                = errors.New("an execution is already running")
	ErrExecDisabled        = errors.New("execution is disabled")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidMessage      = errors.New("invalid chat message")
)

const (
	historyLimit = 1000
	chatMaxRunes = 2000
)

// Conn is a registered socket handle. Enqueue must never block; it reports
// false when the socket's outbound queue is full, which gets the socket
// evicted.
type Conn interface {
	ID() string
	UserID() string
	DisplayName() string
	Enqueue(ev *Event) bool
	Close()
}

// ExecQueue is the slice of the job queue the hub needs.
type ExecQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Hub owns the room index. Rooms are activated lazily on first join and torn
// down (with a state flush) when their last socket leaves.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room

	store        store.Store
	queue        ExecQueue
	execDisabled bool
	clock        atomic.Int64
	log          *zap.Logger
}

func New(st store.Store, q ExecQueue, execDisabled bool) *Hub {
	return &Hub{
		rooms:        make(map[string]*room),
		store:        st,
		queue:        q,
		execDisabled: execDisabled,
		log:          logging.L().Named("hub"),
	}
}

type socketRef struct {
	conn Conn
}

type accepted struct {
	version uint64
	batch   ot.Batch
}

// room is one active room's runtime state. All fields after mu are guarded
// by it; mu is the room's linearization point.
type room struct {
	id string

	mu     sync.Mutex
	closed bool

	name         string
	visibility   string
	passwordHash string
	maxCapacity  int

	code     string
	language string
	input    string
	output   string

	version uint64
	history []accepted

	execID  string // latch: non-empty while an execution is in flight
	sockets map[string]*socketRef
}

// Join registers a socket with a room, activating the room if needed.
func (h *Hub) Join(ctx context.Context, conn Conn, roomID, password string) (*Snapshot, error) {
	for {
		r, err := h.activate(ctx, roomID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}

		if _, dup := r.sockets[conn.ID()]; dup {
			r.mu.Unlock()
			return nil, ErrAlreadyJoined
		}
		if r.passwordHash != "" {
			ok, verr := auth.VerifyPassword(password, r.passwordHash)
			if verr != nil || !ok {
				r.mu.Unlock()
				return nil, ErrBadPassword
			}
		}
		userPresent := r.hasUserLocked(conn.UserID())
		if !userPresent && r.userCountLocked() >= r.maxCapacity {
			r.mu.Unlock()
			return nil, ErrRoomFull
		}

		r.sockets[conn.ID()] = &socketRef{conn: conn}

		// Membership is idempotent; a rejoin after disconnect already has a
		// row.
		member := &models.RoomMember{
			UserID:   conn.UserID(),
			RoomID:   r.id,
			Role:     models.RoleMember,
			JoinedAt: time.Now().UTC(),
		}
		if err := h.store.AddMember(ctx, member); err != nil && !errors.Is(err, store.ErrDuplicate) {
			delete(r.sockets, conn.ID())
			teardown := h.maybeCloseLocked(r)
			r.mu.Unlock()
			if teardown != nil {
				teardown()
			}
			return nil, err
		}

		if !userPresent {
			r.broadcastLocked(h, conn.ID(), &Event{
				Event: EvtUserJoined,
				Data: userJoinedData{
					RoomID: r.id,
					User:   Member{UserID: conn.UserID(), DisplayName: conn.DisplayName()},
				},
			})
		}

		snap := r.snapshotLocked()
		r.mu.Unlock()
		return snap, nil
	}
}

// Leave removes a socket. An explicit leave also deletes the Membership row
// once the user's last socket is gone; a transient disconnect keeps it so
// the user can rejoin where they left off.
func (h *Hub) Leave(ctx context.Context, conn Conn, roomID string, explicit bool) error {
	r := h.getRoom(roomID)
	if r == nil {
		if explicit {
			h.removeMembership(ctx, roomID, conn.UserID())
		}
		return nil
	}

	r.mu.Lock()
	if _, ok := r.sockets[conn.ID()]; !ok {
		r.mu.Unlock()
		if explicit {
			h.removeMembership(ctx, roomID, conn.UserID())
		}
		return nil
	}
	delete(r.sockets, conn.ID())

	lastOfUser := !r.hasUserLocked(conn.UserID())
	if lastOfUser {
		r.broadcastLocked(h, conn.ID(), &Event{
			Event: EvtUserLeft,
			Data:  userLeftData{RoomID: r.id, UserID: conn.UserID()},
		})
	}
	teardown := h.maybeCloseLocked(r)
	r.mu.Unlock()

	if explicit && lastOfUser {
		h.removeMembership(ctx, roomID, conn.UserID())
	}
	if teardown != nil {
		teardown()
	}
	return nil
}

// Disconnect drops a socket from every room it joined without touching
// persistence.
func (h *Hub) Disconnect(ctx context.Context, conn Conn, roomIDs []string) {
	for _, id := range roomIDs {
		_ = h.Leave(ctx, conn, id, false)
	}
}

// ApplyEdit transforms an edit batch against everything accepted since the
// submitter's base version, applies it and broadcasts the transformed ops.
// Invalid batches get the submitting socket resynced with a full snapshot.
func (h *Hub) ApplyEdit(ctx context.Context, conn Conn, roomID string, ops []ot.Op, baseVersion uint64) (uint64, error) {
	r := h.getRoom(roomID)
	if r == nil {
		return 0, ErrNotMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sockets[conn.ID()]; !ok {
		return 0, ErrNotMember
	}

	if err := ot.Validate(ops); err != nil {
		return r.resyncLocked(conn)
	}
	if baseVersion > r.version {
		return r.resyncLocked(conn)
	}
	// History is trimmed; a base older than the window cannot be transformed.
	if len(r.history) > 0 && baseVersion+1 < r.history[0].version && baseVersion < r.version {
		return r.resyncLocked(conn)
	}

	batch := &ot.Batch{
		Ops:       ops,
		Base:      baseVersion,
		Author:    conn.UserID(),
		Timestamp: h.clock.Add(1),
	}
	for i := range r.history {
		if r.history[i].version > baseVersion {
			batch.Ops = ot.Transform(batch, &r.history[i].batch)
		}
	}

	newCode, err := ot.Apply(r.code, batch.Ops)
	if err != nil {
		return r.resyncLocked(conn)
	}

	r.code = newCode
	r.version++
	batch.Ops = ot.Compact(batch.Ops)
	r.history = append(r.history, accepted{version: r.version, batch: *batch})
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	metrics.EditsApplied.Inc()

	r.broadcastLocked(h, conn.ID(), &Event{
		Event: EvtCodeUpdated,
		Data: codeUpdatedData{
			RoomID:  r.id,
			Ops:     batch.Ops,
			Version: r.version,
			UserID:  conn.UserID(),
		},
	})
	return r.version, nil
}

// SetLanguage switches the room's language without touching the buffer.
func (h *Hub) SetLanguage(ctx context.Context, conn Conn, roomID, language string) error {
	if !sandbox.Supported(language) {
		return ErrUnsupportedLanguage
	}
	return h.withMember(conn, roomID, func(r *room) error {
		r.language = language
		r.broadcastLocked(h, conn.ID(), &Event{
			Event: EvtLanguageChanged,
			Data:  languageChangedData{RoomID: r.id, Language: language, UserID: conn.UserID()},
		})
		return nil
	})
}

// SetInput replaces the shared stdin buffer.
func (h *Hub) SetInput(ctx context.Context, conn Conn, roomID, input string) error {
	return h.withMember(conn, roomID, func(r *room) error {
		r.input = input
		r.broadcastLocked(h, conn.ID(), &Event{
			Event: EvtInputUpdate,
			Data:  inputUpdateData{RoomID: r.id, Input: input, UserID: conn.UserID()},
		})
		return nil
	})
}

// RequestExec latches the room, persists a pending ExecutionLog and enqueues
// the job. A second request while one is in flight fails with ErrBusy.
func (h *Hub) RequestExec(ctx context.Context, conn Conn, roomID string) (string, error) {
	if h.execDisabled {
		return "", ErrExecDisabled
	}

	var execID string
	err := h.withMember(conn, roomID, func(r *room) error {
		if r.execID != "" {
			return ErrBusy
		}
		// The latch only tracks executions this hub started; runs submitted
		// over HTTP exist solely as pending/running rows, so the store gets
		// the final word.
		busy, err := h.store.HasActiveExecution(ctx, r.id)
		if err != nil {
			return err
		}
		if busy {
			return ErrBusy
		}
		execID = uuid.NewString()

		userID := conn.UserID()
		logRow := &models.ExecutionLog{
			ID:        execID,
			RoomID:    r.id,
			UserID:    &userID,
			Language:  r.language,
			Code:      r.code,
			Stdin:     r.input,
			Status:    models.ExecStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.CreateExecution(ctx, logRow); err != nil {
			return err
		}

		job := &queue.Job{
			ID:          execID,
			RoomID:      r.id,
			RequesterID: userID,
			Request: sandbox.Request{
				ExecutionID: execID,
				Language:    r.language,
				Code:        r.code,
				Stdin:       r.input,
			},
		}
		if err := h.queue.Enqueue(ctx, job); err != nil {
			logRow.Status = models.ExecStatusFailed
			logRow.Stderr = "failed to enqueue execution"
			if uerr := h.store.UpdateExecution(ctx, logRow); uerr != nil {
				h.log.Error("mark execution failed", zap.String("execution_id", execID), zap.Error(uerr))
			}
			return err
		}

		r.execID = execID
		r.broadcastLocked(h, "", &Event{
			Event: EvtExecStarted,
			Data:  execStartedData{RoomID: r.id, ExecutionID: execID, UserID: userID},
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return execID, nil
}

// CompleteExec clears the latch and publishes the result to the room. It is
// the hub's half of the worker's ExecutionPublisher. A room that went idle
// while the job ran simply has nobody left to tell.
func (h *Hub) CompleteExec(ctx context.Context, roomID, execID string, res *sandbox.Result) {
	r := h.getRoom(roomID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.execID == execID {
		r.execID = ""
	}
	r.output = res.Stdout
	if res.Stdout == "" && res.Stderr != "" {
		r.output = res.Stderr
	}

	r.broadcastLocked(h, "", &Event{
		Event: EvtExecResult,
		Data: execResultData{
			RoomID:        r.id,
			ExecutionID:   execID,
			Status:        res.Status,
			Stdout:        res.Stdout,
			Stderr:        res.Stderr,
			ExitCode:      res.ExitCode,
			ExecutionTime: res.ExecutionTimeMs,
			MemoryUsed:    res.MemoryBytes,
		},
	})
	teardown := h.maybeCloseLocked(r)
	r.mu.Unlock()
	if teardown != nil {
		teardown()
	}
}

// PostChat persists and fans out one chat message.
func (h *Hub) PostChat(ctx context.Context, conn Conn, roomID, content, kind string) error {
	runes := len([]rune(content))
	if runes == 0 || runes > chatMaxRunes {
		return ErrInvalidMessage
	}
	switch kind {
	case "":
		kind = models.ChatKindText
	case models.ChatKindText, models.ChatKindCode:
	default:
		return ErrInvalidMessage
	}

	return h.withMember(conn, roomID, func(r *room) error {
		msg := &models.ChatMessage{
			ID:        uuid.NewString(),
			RoomID:    r.id,
			UserID:    conn.UserID(),
			Content:   content,
			Kind:      kind,
			CreatedAt: time.Now().UTC(),
		}
		if err := h.store.SaveChatMessage(ctx, msg); err != nil {
			return err
		}
		r.broadcastLocked(h, "", &Event{
			Event: EvtChatReceived,
			Data: chatReceivedData{
				RoomID: r.id,
				Message: chatMessage{
					ID:          msg.ID,
					UserID:      msg.UserID,
					DisplayName: conn.DisplayName(),
					Content:     msg.Content,
					Kind:        msg.Kind,
					CreatedAt:   msg.CreatedAt.Format(time.RFC3339),
				},
			},
		})
		return nil
	})
}

// RelayVideo forwards an opaque signaling frame to the sender's peers.
// Membership is checked on every relay.
func (h *Hub) RelayVideo(conn Conn, roomID, event string, data json.RawMessage) error {
	return h.withMember(conn, roomID, func(r *room) error {
		r.broadcastLocked(h, conn.ID(), &Event{Event: event, Data: data})
		return nil
	})
}

// ActiveRooms reports how many rooms are currently live in this process.
func (h *Hub) ActiveRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// internal machinery

func (h *Hub) getRoom(id string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

// activate returns the live room, loading it from the repository on first
// touch.
func (h *Hub) activate(ctx context.Context, id string) (*room, error) {
	if r := h.getRoom(id); r != nil {
		return r, nil
	}

	row, err := h.store.GetRoom(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r, nil
	}
	r := &room{
		id:           row.ID,
		name:         row.Name,
		visibility:   row.Visibility,
		passwordHash: row.PasswordHash,
		maxCapacity:  row.MaxCapacity,
		code:         row.CodeBuffer,
		language:     row.Language,
		input:        row.InputBuffer,
		output:       row.LastOutput,
		sockets:      make(map[string]*socketRef),
	}
	h.rooms[id] = r
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	return r, nil
}

// withMember runs fn under the room lock after checking the socket is in the
// room.
func (h *Hub) withMember(conn Conn, roomID string, fn func(r *room) error) error {
	r := h.getRoom(roomID)
	if r == nil {
		return ErrNotMember
	}
	r.mu.Lock()
	if _, ok := r.sockets[conn.ID()]; !ok {
		r.mu.Unlock()
		return ErrNotMember
	}
	err := fn(r)
	// Broadcasts inside fn may have evicted the last socket.
	teardown := h.maybeCloseLocked(r)
	r.mu.Unlock()
	if teardown != nil {
		teardown()
	}
	return err
}

// maybeCloseLocked checks for the Active -> Idle transition. The returned
// closure (run after unlocking) flushes state and drops the room from the
// index.
func (h *Hub) maybeCloseLocked(r *room) func() {
	if r.closed || len(r.sockets) > 0 {
		return nil
	}
	r.closed = true
	code, lang, input, output := r.code, r.language, r.input, r.output

	return func() {
		h.mu.Lock()
		delete(h.rooms, r.id)
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
		h.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.store.FlushRoomState(ctx, r.id, code, lang, input, output); err != nil {
			h.log.Error("room state flush failed", zap.String("room_id", r.id), zap.Error(err))
		}
	}
}

func (h *Hub) removeMembership(ctx context.Context, roomID, userID string) {
	if err := h.store.RemoveMember(ctx, roomID, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error("remove membership failed",
			zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
	}
}

// room helpers, all requiring r.mu

func (r *room) hasUserLocked(userID string) bool {
	for _, ref := range r.sockets {
		if ref.conn.UserID() == userID {
			return true
		}
	}
	return false
}

func (r *room) userCountLocked() int {
	seen := make(map[string]struct{}, len(r.sockets))
	for _, ref := range r.sockets {
		seen[ref.conn.UserID()] = struct{}{}
	}
	return len(seen)
}

func (r *room) snapshotLocked() *Snapshot {
	members := make([]Member, 0, len(r.sockets))
	seen := make(map[string]struct{}, len(r.sockets))
	for _, ref := range r.sockets {
		uid := ref.conn.UserID()
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		members = append(members, Member{UserID: uid, DisplayName: ref.conn.DisplayName()})
	}
	return &Snapshot{
		RoomID:   r.id,
		Name:     r.name,
		Code:     r.code,
		Language: r.language,
		Input:    r.input,
		Output:   r.output,
		Version:  r.version,
		Members:  members,
	}
}

// broadcastLocked fans an event out to every socket except exceptID. A
// socket whose queue is full is evicted on the spot rather than blocking the
// room.
func (r *room) broadcastLocked(h *Hub, exceptID string, ev *Event) {
	for id, ref := range r.sockets {
		if id == exceptID {
			continue
		}
		if !ref.conn.Enqueue(ev) {
			metrics.EventsDropped.Inc()
			metrics.SocketsEvicted.Inc()
			h.log.Warn("evicting slow socket",
				zap.String("room_id", r.id), zap.String("socket_id", id))
			delete(r.sockets, id)
			ref.conn.Close()
		}
	}
}

// resyncLocked answers an unusable edit with a full snapshot to the
// submitting socket only.
func (r *room) resyncLocked(conn Conn) (uint64, error) {
	metrics.EditsRejected.Inc()
	snap := r.snapshotLocked()
	conn.Enqueue(&Event{Event: EvtCodeSync, Data: snap})
	return r.version, ot.ErrInvalidEdit
}
