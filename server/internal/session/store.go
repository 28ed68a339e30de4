package session

import (
	"context"
	"time"

	"triage-assistant/server/internal/model"
)

// Store 保存进行中的会话。一个病人同一时间最多只有一个进行中的会话。
type Store interface {
	// Get 按病人 ID 取进行中的会话
	Get(ctx context.Context, patientID string) (*model.Session, error)
	// Find 按会话 ID 取进行中的会话
	Find(ctx context.Context, sessionID string) (*model.Session, error)
	Save(ctx context.Context, s *model.Session) error
	Delete(ctx context.Context, patientID string) error
	// ListIdle 返回最后更新时间早于 before 的会话
	ListIdle(ctx context.Context, before time.Time) ([]*model.Session, error)
}

// Archive 保存已结束（终止状态）的会话。
type Archive interface {
	ArchiveSession(ctx context.Context, s *model.Session) error
	GetArchived(ctx context.Context, sessionID string) (*model.Session, error)
	// CountArchived 病人已结束的会话数，用于识别老病人
	CountArchived(ctx context.Context, patientID string) (int, error)
}
