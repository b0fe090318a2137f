// Package store is the persistence layer: one Store interface over Postgres
// via GORM, consumed by the API handlers, the hub and the workers.
package store

import (
	"context"
	"errors"

	"coderoom/pkg/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate")
)

// Store is everything the rest of the service needs from the database.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// Rooms
	CreateRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListPublicRooms(ctx context.Context, limit, offset int) ([]models.Room, int64, error)
	UpdateRoom(ctx context.Context, room *models.Room) error
	DeleteRoom(ctx context.Context, id string) error
	FlushRoomState(ctx context.Context, id, codeBuffer, language, inputBuffer, lastOutput string) error

	// Membership
	AddMember(ctx context.Context, m *models.RoomMember) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetMember(ctx context.Context, roomID, userID string) (*models.RoomMember, error)
	ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error)
	CountMembers(ctx context.Context, roomID string) (int64, error)

	// Chat
	SaveChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, roomID string, limit, offset int) ([]models.ChatMessage, error)

	// Executions
	CreateExecution(ctx context.Context, log *models.ExecutionLog) error
	UpdateExecution(ctx context.Context, log *models.ExecutionLog) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionLog, error)
	ListExecutions(ctx context.Context, roomID string, limit int) ([]models.ExecutionLog, error)
	HasActiveExecution(ctx context.Context, roomID string) (bool, error)

	// Activity
	GetUserActivity(ctx context.Context, userID string) (*models.UserActivity, error)
}
