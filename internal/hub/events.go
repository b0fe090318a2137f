package hub

// Server-emitted event names. The wire shape is {event, data}.
const (
	EvtUserJoined      = "room:user-joined"
	EvtUserLeft        = "room:user-left"
	EvtCodeUpdated     = "code:updated"
	EvtLanguageChanged = "code:language-changed"
	EvtInputUpdate     = "room:input-update"
	EvtExecStarted     = "code:execution-started"
	EvtExecResult      = "code:execution-result"
	EvtChatReceived    = "chat:message-received"
	EvtCodeSync        = "room:code-sync"
)

// Event is one outbound frame.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Member identifies one present user in snapshots and join notices.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Snapshot is the full room state handed to a joining socket and used for
// resync after a rejected edit.
type Snapshot struct {
	RoomID   string   `json:"roomId"`
	Name     string   `json:"name"`
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Input    string   `json:"input"`
	Output   string   `json:"output"`
	Version  uint64   `json:"version"`
	Members  []Member `json:"members"`
}

type userJoinedData struct {
	RoomID string `json:"roomId"`
	User   Member `json:"user"`
}

type userLeftData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type codeUpdatedData struct {
	RoomID  string      `json:"roomId"`
	Ops     interface{} `json:"ops"`
	Version uint64      `json:"version"`
	UserID  string      `json:"userId"`
}

type languageChangedData struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	UserID   string `json:"userId"`
}

type inputUpdateData struct {
	RoomID string `json:"roomId"`
	Input  string `json:"input"`
	UserID string `json:"userId"`
}

type execStartedData struct {
	RoomID      string `json:"roomId"`
	ExecutionID string `json:"executionId"`
	UserID      string `json:"userId"`
}

type execResultData struct {
	RoomID        string `json:"roomId"`
	ExecutionID   string `json:"executionId"`
	Status        string `json:"status"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
	MemoryUsed    int64  `json:"memoryUsed"`
}

type chatReceivedData struct {
	RoomID  string      `json:"roomId"`
	Message chatMessage `json:"message"`
}

type chatMessage struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
	CreatedAt   string `json:"createdAt"`
}
