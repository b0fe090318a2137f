// Package models defines the persisted row types for coderoom.
package models

import (
	"strings"
	"time"
)

// Room visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Membership roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Chat message kinds.
const (
	ChatKindText   = "text"
	ChatKindSystem = "system"
	ChatKindCode   = "code"
)

// Execution statuses.
const (
	ExecStatusPending       = "pending"
	ExecStatusRunning       = "running"
	ExecStatusCompleted     = "completed"
	ExecStatusFailed        = "failed"
	ExecStatusTimeout       = "timeout"
	ExecStatusMemoryLimit   = "memory_limit"
	ExecStatusCompileError  = "compilation_error"
	ExecStatusRuntimeError  = "runtime_error"
	ExecStatusSecurityBlock = "security_block"
)

// User is a registered participant. Accounts are created by registration and
// never destroyed by this service.
type User struct {
	ID           string    `json:"id" gorm:"primarykey;type:varchar(36)"`
	Email        string    `json:"email" gorm:"uniqueIndex;not null"`
	DisplayName  string    `json:"display_name" gorm:"not null"`
	PasswordHash string    `json:"-" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeEmail case-folds an email address for uniqueness checks.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Room is a collaborative session: one shared code buffer, one language, a
// member set and a chat stream. The room code is the primary key and doubles
// as the join handle.
type Room struct {
	ID          string `json:"id" gorm:"primarykey;type:varchar(12)"`
	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description"`
	Visibility  string `json:"visibility" gorm:"not null;default:'public'"`
	// PasswordHash is set iff the room is private.
	PasswordHash string `json:"-"`
	MaxCapacity  int    `json:"max_capacity" gorm:"not null;default:10"`
	Language     string `json:"language" gorm:"not null;default:'javascript'"`

	// Best-effort persisted runtime state, flushed when the room goes idle.
	CodeBuffer  string `json:"code_buffer" gorm:"type:text"`
	InputBuffer string `json:"input_buffer" gorm:"type:text"`
	LastOutput  string `json:"last_output" gorm:"type:text"`

	OwnerID   string    `json:"owner_id" gorm:"index;not null;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPrivate reports whether joining requires a password.
func (r *Room) IsPrivate() bool { return r.Visibility == VisibilityPrivate }

// RoomMember links a user to a room. Exactly one member per room carries the
// owner role; (UserID, RoomID) is unique.
type RoomMember struct {
	UserID   string    `json:"user_id" gorm:"primarykey;type:varchar(36)"`
	RoomID   string    `json:"room_id" gorm:"primarykey;type:varchar(12)"`
	Role     string    `json:"role" gorm:"not null;default:'member'"`
	JoinedAt time.Time `json:"joined_at"`
}

// ChatMessage is one message in a room's chat stream, insertion-ordered per
// room by CreatedAt.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"primarykey;type:varchar(36)"`
	RoomID    string    `json:"room_id" gorm:"index:idx_chat_room_created;not null;type:varchar(12)"`
	UserID    string    `json:"user_id" gorm:"not null;type:varchar(36)"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	Kind      string    `json:"kind" gorm:"not null;default:'text'"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_chat_room_created"`
}

// ExecutionLog records one sandboxed run of a room's buffer. UserID is nil
// for system-initiated executions.
type ExecutionLog struct {
	ID     string  `json:"id" gorm:"primarykey;type:varchar(36)"`
	RoomID string  `json:"room_id" gorm:"index:idx_exec_room_created;not null;type:varchar(12)"`
	UserID *string `json:"user_id" gorm:"type:varchar(36)"`

	Language string `json:"language" gorm:"not null"`
	Code     string `json:"code" gorm:"type:text"`
	Stdin    string `json:"stdin" gorm:"type:text"`

	Stdout          string `json:"stdout" gorm:"type:text"`
	Stderr          string `json:"stderr" gorm:"type:text"`
	Status          string `json:"status" gorm:"not null;default:'pending'"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	MemoryBytes     int64  `json:"memory_bytes"`
	CompileTimeMs   int64  `json:"compile_time_ms"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_exec_room_created"`
}

// UserActivity aggregates per-user counters for the activity endpoint.
type UserActivity struct {
	RoomsJoined   int64 `json:"rooms_joined"`
	MessagesSent  int64 `json:"messages_sent"`
	ExecutionsRun int64 `json:"executions_run"`
}
