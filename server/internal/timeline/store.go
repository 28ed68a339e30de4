package timeline

import (
	"context"

	"triage-assistant/server/internal/model"
)

// 事件类型
const (
	EventUserMessage     = "user_message"
	EventAssistantText   = "assistant_text"
	EventTransition      = "transition"
	EventPrediction      = "prediction"
	EventClassifierError = "classifier_error"
	EventTicketIssued    = "ticket_issued"
	EventTicketVoided    = "ticket_voided"
	EventRecordGenerated = "record_generated"
	EventCancelled       = "cancelled"
)

// Store 是会话的审计日志。
type Store interface {
	// Append 以 append-first 的契约写入，返回本次写入的 seq。
	// 同一会话的 seq 单调递增；相同 EventID 幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, evt *model.Event) (int64, error)
	// AppendAll 原子地追加一组事件：要么全部写入，要么一条都不写。
	// 成功后 evts 中每个事件的 Seq 被回填。
	AppendAll(ctx context.Context, sessionID string, evts []model.Event) error
	// Since 返回 seq 大于 afterSeq 的事件，afterSeq 为 0 时返回全部。
	Since(ctx context.Context, sessionID string, afterSeq int64) ([]model.Event, error)
}

// List 返回会话的全部事件。
func List(ctx context.Context, s Store, sessionID string) ([]model.Event, error) {
	return s.Since(ctx, sessionID, 0)
}
