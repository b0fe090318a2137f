package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderoom/internal/auth"
	"coderoom/internal/ot"
	"coderoom/internal/queue"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/pkg/models"
)

// fakeConn collects events; setting full simulates a saturated outbound
// queue.
type fakeConn struct {
	id     string
	userID string
	name   string

	mu     sync.Mutex
	events []*Event
	full   bool
	closed bool
}

func newConn(id, userID, name string) *fakeConn {
	return &fakeConn{id: id, userID: userID, name: name}
}

func (c *fakeConn) ID() string          { return c.id }
func (c *fakeConn) UserID() string      { return c.userID }
func (c *fakeConn) DisplayName() string { return c.name }

func (c *fakeConn) Enqueue(ev *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received(event string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, ev := range c.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu         sync.Mutex
	rooms      map[string]*models.Room
	members    map[string]map[string]*models.RoomMember // roomID -> userID
	chats      []*models.ChatMessage
	executions map[string]*models.ExecutionLog
	flushes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:      make(map[string]*models.Room),
		members:    make(map[string]map[string]*models.RoomMember),
		executions: make(map[string]*models.ExecutionLog),
	}
}

func (s *fakeStore) CreateUser(ctx context.Context, u *models.User) error { return nil }
func (s *fakeStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) CreateRoom(ctx context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return nil
}

func (s *fakeStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListPublicRooms(ctx context.Context, limit, offset int) ([]models.Room, int64, error) {
	return nil, 0, nil
}
func (s *fakeStore) UpdateRoom(ctx context.Context, room *models.Room) error { return nil }
func (s *fakeStore) DeleteRoom(ctx context.Context, id string) error         { return nil }

func (s *fakeStore) FlushRoomState(ctx context.Context, id, code, lang, input, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		r.CodeBuffer, r.Language, r.InputBuffer, r.LastOutput = code, lang, input, output
	}
	s.flushes++
	return nil
}

func (s *fakeStore) AddMember(ctx context.Context, m *models.RoomMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[m.RoomID] == nil {
		s.members[m.RoomID] = make(map[string]*models.RoomMember)
	}
	if _, dup := s.members[m.RoomID][m.UserID]; dup {
		return store.ErrDuplicate
	}
	s.members[m.RoomID][m.UserID] = m
	return nil
}

func (s *fakeStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[roomID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(s.members[roomID], userID)
	return nil
}

func (s *fakeStore) GetMember(ctx context.Context, roomID, userID string) (*models.RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[roomID][userID]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error) {
	return nil, nil
}

func (s *fakeStore) CountMembers(ctx context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.members[roomID])), nil
}

func (s *fakeStore) SaveChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = append(s.chats, msg)
	return nil
}

func (s *fakeStore) ListChatMessages(ctx context.Context, roomID string, limit, offset int) ([]models.ChatMessage, error) {
	return nil, nil
}

func (s *fakeStore) CreateExecution(ctx context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[log.ID] = log
	return nil
}

func (s *fakeStore) UpdateExecution(ctx context.Context, log *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[log.ID] = log
	return nil
}

func (s *fakeStore) GetExecution(ctx context.Context, id string) (*models.ExecutionLog, error) {
	return nil, store.ErrNotFound
}

func (s *fakeStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]models.ExecutionLog, error) {
	return nil, nil
}

func (s *fakeStore) HasActiveExecution(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.RoomID == roomID &&
			(e.Status == models.ExecStatusPending || e.Status == models.ExecStatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) GetUserActivity(ctx context.Context, userID string) (*models.UserActivity, error) {
	return &models.UserActivity{}, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func setup(t *testing.T, room *models.Room) (*Hub, *fakeStore, *fakeQueue) {
	t.Helper()
	st := newFakeStore()
	if room != nil {
		require.NoError(t, st.CreateRoom(context.Background(), room))
	}
	q := &fakeQueue{}
	return New(st, q, false), st, q
}

func testRoom(capacity int) *models.Room {
	return &models.Room{
		ID:          "ROOM1",
		Name:        "test room",
		Visibility:  models.VisibilityPublic,
		MaxCapacity: capacity,
		Language:    "python",
	}
}

func TestJoinReturnsSnapshot(t *testing.T) {
	room := testRoom(5)
	room.CodeBuffer = "print('hi')"
	h, _, _ := setup(t, room)

	c := newConn("s1", "u1", "Alice")
	snap, err := h.Join(context.Background(), c, "ROOM1", "")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", snap.Code)
	assert.Equal(t, "python", snap.Language)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, []Member{{UserID: "u1", DisplayName: "Alice"}}, snap.Members)
}

func TestJoinUnknownRoom(t *testing.T) {
	h, _, _ := setup(t, nil)
	_, err := h.Join(context.Background(), newConn("s1", "u1", "A"), "NOPE", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinCapacityAndRetryAfterLeave(t *testing.T) {
	h, _, _ := setup(t, testRoom(2))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	u3 := newConn("s3", "u3", "C")

	_, err := h.Join(ctx, u1, "ROOM1", "")
	require.NoError(t, err)
	_, err = h.Join(ctx, u2, "ROOM1", "")
	require.NoError(t, err)

	_, err = h.Join(ctx, u3, "ROOM1", "")
	assert.ErrorIs(t, err, ErrRoomFull)

	require.NoError(t, h.Leave(ctx, u2, "ROOM1", true))
	_, err = h.Join(ctx, u3, "ROOM1", "")
	assert.NoError(t, err)
}

func TestJoinPrivateRoomPassword(t *testing.T) {
	hash, err := auth.HashPassword("sesame")
	require.NoError(t, err)
	room := testRoom(5)
	room.Visibility = models.VisibilityPrivate
	room.PasswordHash = hash
	h, _, _ := setup(t, room)
	ctx := context.Background()

	_, err = h.Join(ctx, newConn("s1", "u1", "A"), "ROOM1", "wrong")
	assert.ErrorIs(t, err, ErrBadPassword)

	_, err = h.Join(ctx, newConn("s2", "u1", "A"), "ROOM1", "sesame")
	assert.NoError(t, err)
}

func TestJoinSameSocketTwice(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()
	c := newConn("s1", "u1", "A")

	_, err := h.Join(ctx, c, "ROOM1", "")
	require.NoError(t, err)
	_, err = h.Join(ctx, c, "ROOM1", "")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoinBroadcastsUserJoined(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, err := h.Join(ctx, u1, "ROOM1", "")
	require.NoError(t, err)
	_, err = h.Join(ctx, u2, "ROOM1", "")
	require.NoError(t, err)

	evs := u1.received(EvtUserJoined)
	require.Len(t, evs, 1)
	data := evs[0].Data.(userJoinedData)
	assert.Equal(t, "u2", data.User.UserID)
	assert.Empty(t, u2.received(EvtUserJoined))
}

func TestExplicitLeaveRemovesMembership(t *testing.T) {
	h, st, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	require.NoError(t, h.Leave(ctx, u2, "ROOM1", true))
	_, err := st.GetMember(ctx, "ROOM1", "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	evs := u1.received(EvtUserLeft)
	require.Len(t, evs, 1)
	assert.Equal(t, "u2", evs[0].Data.(userLeftData).UserID)
}

func TestDisconnectKeepsMembership(t *testing.T) {
	h, st, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	h.Disconnect(ctx, u2, []string{"ROOM1"})
	_, err := st.GetMember(ctx, "ROOM1", "u2")
	assert.NoError(t, err)
}

func TestLastLeaveFlushesAndDeactivates(t *testing.T) {
	room := testRoom(5)
	h, st, _ := setup(t, room)
	ctx := context.Background()

	c := newConn("s1", "u1", "A")
	_, err := h.Join(ctx, c, "ROOM1", "")
	require.NoError(t, err)

	_, err = h.ApplyEdit(ctx, c, "ROOM1", []ot.Op{{Kind: ot.OpInsert, Pos: 0, Text: "x = 1"}}, 0)
	require.NoError(t, err)

	require.NoError(t, h.Leave(ctx, c, "ROOM1", false))
	assert.Equal(t, 0, h.ActiveRooms())

	persisted, err := st.GetRoom(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", persisted.CodeBuffer)
	assert.Equal(t, 1, st.flushes)
}

func TestConcurrentInsertsConvergeToSharedBuffer(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	// Both submit from base version 0; u1 is serialized first.
	v1, err := h.ApplyEdit(ctx, u1, "ROOM1", []ot.Op{{Kind: ot.OpInsert, Pos: 0, Text: "hi"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	v2, err := h.ApplyEdit(ctx, u2, "ROOM1", []ot.Op{{Kind: ot.OpInsert, Pos: 0, Text: "HI"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	// u1 sees u2's insert already shifted past its own two characters.
	evs := u1.received(EvtCodeUpdated)
	require.Len(t, evs, 1)
	data := evs[0].Data.(codeUpdatedData)
	ops := data.Ops.([]ot.Op)
	require.Len(t, ops, 1)
	assert.Equal(t, ot.Op{Kind: ot.OpInsert, Pos: 2, Text: "HI"}, ops[0])
	assert.Equal(t, uint64(2), data.Version)

	// A third joiner observes the converged buffer.
	u3 := newConn("s3", "u3", "C")
	snap, err := h.Join(ctx, u3, "ROOM1", "")
	require.NoError(t, err)
	assert.Equal(t, "hiHI", snap.Code)
	assert.Equal(t, uint64(2), snap.Version)
}

func TestInvalidEditTriggersResync(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	c := newConn("s1", "u1", "A")
	_, _ = h.Join(ctx, c, "ROOM1", "")

	_, err := h.ApplyEdit(ctx, c, "ROOM1", []ot.Op{{Kind: ot.OpDelete, Pos: 0, Length: 5}}, 0)
	assert.ErrorIs(t, err, ot.ErrInvalidEdit)

	evs := c.received(EvtCodeSync)
	require.Len(t, evs, 1)
	snap := evs[0].Data.(*Snapshot)
	assert.Equal(t, "", snap.Code)
	assert.Equal(t, uint64(0), snap.Version)
}

func TestEditFromNonMemberRejected(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	member := newConn("s1", "u1", "A")
	_, _ = h.Join(ctx, member, "ROOM1", "")

	stranger := newConn("s2", "u2", "B")
	_, err := h.ApplyEdit(ctx, stranger, "ROOM1", []ot.Op{{Kind: ot.OpInsert, Pos: 0, Text: "x"}}, 0)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestSetLanguage(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	assert.ErrorIs(t, h.SetLanguage(ctx, u1, "ROOM1", "cobol"), ErrUnsupportedLanguage)

	require.NoError(t, h.SetLanguage(ctx, u1, "ROOM1", "rust"))
	evs := u2.received(EvtLanguageChanged)
	require.Len(t, evs, 1)
	assert.Equal(t, "rust", evs[0].Data.(languageChangedData).Language)
	assert.Empty(t, u1.received(EvtLanguageChanged))
}

func TestExecBusyLatch(t *testing.T) {
	h, st, q := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	execID, err := h.RequestExec(ctx, u1, "ROOM1")
	require.NoError(t, err)
	require.NotEmpty(t, execID)
	assert.Len(t, q.jobs, 1)
	assert.Equal(t, models.ExecStatusPending, st.executions[execID].Status)

	// Second request while the first is in flight.
	_, err = h.RequestExec(ctx, u2, "ROOM1")
	assert.ErrorIs(t, err, ErrBusy)

	// Both sockets saw the start event.
	require.Len(t, u1.received(EvtExecStarted), 1)
	require.Len(t, u2.received(EvtExecStarted), 1)

	// Publishing the result clears the latch.
	h.CompleteExec(ctx, "ROOM1", execID, &sandbox.Result{
		Status: models.ExecStatusCompleted, Stdout: "Hello World\n",
	})
	_, err = h.RequestExec(ctx, u2, "ROOM1")
	assert.NoError(t, err)

	res := u2.received(EvtExecResult)
	require.Len(t, res, 1)
	assert.Equal(t, "Hello World\n", res[0].Data.(execResultData).Stdout)
}

func TestExecBusyAcrossSubmissionPaths(t *testing.T) {
	h, st, q := setup(t, testRoom(5))
	ctx := context.Background()

	c := newConn("s1", "u1", "A")
	_, _ = h.Join(ctx, c, "ROOM1", "")

	// An execution submitted outside this hub exists only as a pending row;
	// the in-memory latch never saw it.
	require.NoError(t, st.CreateExecution(ctx, &models.ExecutionLog{
		ID: "http-exec", RoomID: "ROOM1", Status: models.ExecStatusPending,
	}))

	_, err := h.RequestExec(ctx, c, "ROOM1")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, q.jobs)

	// Once that run settles, the room is free again.
	st.executions["http-exec"].Status = models.ExecStatusCompleted
	_, err = h.RequestExec(ctx, c, "ROOM1")
	assert.NoError(t, err)
	assert.Len(t, q.jobs, 1)
}

func TestExecDisabled(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.CreateRoom(context.Background(), testRoom(5)))
	h := New(st, &fakeQueue{}, true)

	c := newConn("s1", "u1", "A")
	_, _ = h.Join(context.Background(), c, "ROOM1", "")
	_, err := h.RequestExec(context.Background(), c, "ROOM1")
	assert.ErrorIs(t, err, ErrExecDisabled)
}

func TestPostChat(t *testing.T) {
	h, st, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	require.NoError(t, h.PostChat(ctx, u1, "ROOM1", "hello there", ""))
	require.Len(t, st.chats, 1)
	assert.Equal(t, models.ChatKindText, st.chats[0].Kind)

	// Sender also receives the broadcast.
	require.Len(t, u1.received(EvtChatReceived), 1)
	evs := u2.received(EvtChatReceived)
	require.Len(t, evs, 1)
	assert.Equal(t, "hello there", evs[0].Data.(chatReceivedData).Message.Content)
	assert.Equal(t, "A", evs[0].Data.(chatReceivedData).Message.DisplayName)
}

func TestPostChatValidation(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()
	c := newConn("s1", "u1", "A")
	_, _ = h.Join(ctx, c, "ROOM1", "")

	assert.ErrorIs(t, h.PostChat(ctx, c, "ROOM1", "", ""), ErrInvalidMessage)

	long := make([]rune, chatMaxRunes+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, h.PostChat(ctx, c, "ROOM1", string(long), ""), ErrInvalidMessage)
	assert.ErrorIs(t, h.PostChat(ctx, c, "ROOM1", "hi", "weird-kind"), ErrInvalidMessage)
}

func TestSlowSocketEvicted(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	slow := newConn("s1", "u1", "A")
	fast := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, slow, "ROOM1", "")
	_, _ = h.Join(ctx, fast, "ROOM1", "")

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	require.NoError(t, h.PostChat(ctx, fast, "ROOM1", "ping", ""))

	slow.mu.Lock()
	closed := slow.closed
	slow.mu.Unlock()
	assert.True(t, closed)

	// The evicted socket is gone from the room; only fast remains.
	snap, err := h.Join(ctx, newConn("s3", "u3", "C"), "ROOM1", "")
	require.NoError(t, err)
	assert.Len(t, snap.Members, 2)
}

func TestVideoRelayRequiresMembership(t *testing.T) {
	h, _, _ := setup(t, testRoom(5))
	ctx := context.Background()

	u1 := newConn("s1", "u1", "A")
	u2 := newConn("s2", "u2", "B")
	_, _ = h.Join(ctx, u1, "ROOM1", "")
	_, _ = h.Join(ctx, u2, "ROOM1", "")

	stranger := newConn("s3", "u3", "C")
	err := h.RelayVideo(stranger, "ROOM1", "video:offer", []byte(`{"sdp":"x"}`))
	assert.ErrorIs(t, err, ErrNotMember)

	require.NoError(t, h.RelayVideo(u1, "ROOM1", "video:offer", []byte(`{"sdp":"x"}`)))
	require.Len(t, u2.received("video:offer"), 1)
	assert.Empty(t, u1.received("video:offer"))
}
