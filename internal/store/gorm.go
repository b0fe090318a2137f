package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"coderoom/pkg/models"
)

// gormStore implements Store on a GORM handle.
type gormStore struct {
	db *gorm.DB
}

// New wraps a GORM handle in the Store interface.
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err):
		return ErrDuplicate
	default:
		return err
	}
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE the driver
// surfaces in the error text.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "SQLSTATE 23505") ||
		strings.Contains(err.Error(), "duplicate key value")
}

// Users

func (s *gormStore) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", translate(err))
	}
	return nil
}

func (s *gormStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, translate(err))
	}
	return &u, nil
}

func (s *gormStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, "email = ?", models.NormalizeEmail(email)).Error
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", translate(err))
	}
	return &u, nil
}

// Rooms

// CreateRoom inserts the room and its owner membership atomically so a crash
// cannot leave a room with no owner.
func (s *gormStore) CreateRoom(ctx context.Context, room *models.Room) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		member := &models.RoomMember{
			UserID:   room.OwnerID,
			RoomID:   room.ID,
			Role:     models.RoleOwner,
			JoinedAt: time.Now().UTC(),
		}
		return tx.Create(member).Error
	})
	if err != nil {
		return fmt.Errorf("create room: %w", translate(err))
	}
	return nil
}

func (s *gormStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, translate(err))
	}
	return &room, nil
}

func (s *gormStore) ListPublicRooms(ctx context.Context, limit, offset int) ([]models.Room, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Room{}).
		Where("visibility = ?", models.VisibilityPublic)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count rooms: %w", err)
	}

	var rooms []models.Room
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rooms).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, total, nil
}

func (s *gormStore) UpdateRoom(ctx context.Context, room *models.Room) error {
	if err := s.db.WithContext(ctx).Save(room).Error; err != nil {
		return fmt.Errorf("update room %s: %w", room.ID, translate(err))
	}
	return nil
}

// DeleteRoom removes the room plus its memberships, chat and execution logs.
func (s *gormStore) DeleteRoom(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.RoomMember{}, "room_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.ChatMessage{}, "room_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.ExecutionLog{}, "room_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Room{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", id, translate(err))
	}
	return nil
}

func (s *gormStore) FlushRoomState(ctx context.Context, id, codeBuffer, language, inputBuffer, lastOutput string) error {
	err := s.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"code_buffer":  codeBuffer,
			"language":     language,
			"input_buffer": inputBuffer,
			"last_output":  lastOutput,
		}).Error
	if err != nil {
		return fmt.Errorf("flush room %s: %w", id, err)
	}
	return nil
}

// Membership

func (s *gormStore) AddMember(ctx context.Context, m *models.RoomMember) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("add member: %w", translate(err))
	}
	return nil
}

func (s *gormStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	res := s.db.WithContext(ctx).
		Delete(&models.RoomMember{}, "room_id = ? AND user_id = ?", roomID, userID)
	if res.Error != nil {
		return fmt.Errorf("remove member: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	return nil
}

func (s *gormStore) GetMember(ctx context.Context, roomID, userID string) (*models.RoomMember, error) {
	var m models.RoomMember
	err := s.db.WithContext(ctx).
		First(&m, "room_id = ? AND user_id = ?", roomID, userID).Error
	if err != nil {
		return nil, fmt.Errorf("get member: %w", translate(err))
	}
	return &m, nil
}

func (s *gormStore) ListMembers(ctx context.Context, roomID string) ([]models.RoomMember, error) {
	var members []models.RoomMember
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).Order("joined_at ASC").Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (s *gormStore) CountMembers(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("room_id = ?", roomID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

// Chat

func (s *gormStore) SaveChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("save chat message: %w", translate(err))
	}
	return nil
}

func (s *gormStore) ListChatMessages(ctx context.Context, roomID string, limit, offset int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	// Callers want oldest-first within the page.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Executions

func (s *gormStore) CreateExecution(ctx context.Context, log *models.ExecutionLog) error {
	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("create execution log: %w", translate(err))
	}
	return nil
}

func (s *gormStore) UpdateExecution(ctx context.Context, log *models.ExecutionLog) error {
	if err := s.db.WithContext(ctx).Save(log).Error; err != nil {
		return fmt.Errorf("update execution log %s: %w", log.ID, err)
	}
	return nil
}

func (s *gormStore) GetExecution(ctx context.Context, id string) (*models.ExecutionLog, error) {
	var log models.ExecutionLog
	if err := s.db.WithContext(ctx).First(&log, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, translate(err))
	}
	return &log, nil
}

func (s *gormStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]models.ExecutionLog, error) {
	var logs []models.ExecutionLog
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return logs, nil
}

func (s *gormStore) HasActiveExecution(ctx context.Context, roomID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ExecutionLog{}).
		Where("room_id = ? AND status IN ?", roomID,
			[]string{models.ExecStatusPending, models.ExecStatusRunning}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count active executions: %w", err)
	}
	return n > 0, nil
}

// Activity

func (s *gormStore) GetUserActivity(ctx context.Context, userID string) (*models.UserActivity, error) {
	var a models.UserActivity

	err := s.db.WithContext(ctx).Model(&models.RoomMember{}).
		Where("user_id = ?", userID).Count(&a.RoomsJoined).Error
	if err != nil {
		return nil, fmt.Errorf("activity rooms: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("user_id = ?", userID).Count(&a.MessagesSent).Error
	if err != nil {
		return nil, fmt.Errorf("activity messages: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&models.ExecutionLog{}).
		Where("user_id = ?", userID).Count(&a.ExecutionsRun).Error
	if err != nil {
		return nil, fmt.Errorf("activity executions: %w", err)
	}
	return &a, nil
}
