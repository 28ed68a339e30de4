package orchestrator

import (
	"time"

	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/timeline"
)

// Reduce 只做"事实归约"，不触发外部调用。
// 约定：对话历史、状态迁移都只通过事件写入会话，快照可以由时间线回放重建。
func Reduce(s *model.Session, evt model.Event, now time.Time) *model.Session {
	if s == nil {
		return nil
	}

	switch evt.Type {
	case timeline.EventUserMessage:
		if evt.Text != "" {
			s.History = append(s.History, model.Turn{Role: "user", Text: evt.Text, TS: now})
		}
	case timeline.EventAssistantText:
		if evt.Text != "" {
			s.History = append(s.History, model.Turn{Role: "assistant", Text: evt.Text, TS: now})
			s.LastPrompt = evt.Text
		}
	case timeline.EventTransition:
		s.Transitions = append(s.Transitions, model.Transition{From: evt.From, To: evt.To, At: now})
		s.State = evt.To
	case timeline.EventTicketIssued:
		if evt.Ticket != nil {
			t := *evt.Ticket
			s.Ticket = &t
		}
	case timeline.EventTicketVoided:
		if s.Ticket != nil {
			s.Ticket.Voided = true
		}
	case timeline.EventRecordGenerated:
		s.RecordID = evt.RecordID
	}

	s.UpdatedAt = now
	return s
}

// Replay 按顺序回放事件，重建会话的历史与状态。
func Replay(s *model.Session, events []model.Event) *model.Session {
	for _, evt := range events {
		Reduce(s, evt, evt.ServerTS)
	}
	return s
}
