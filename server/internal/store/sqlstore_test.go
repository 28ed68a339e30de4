package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/session"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "nested", "triage.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected postgres query: %s", got)
	}
	lite := &SQLStore{dialect: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query should be unchanged: %s", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triage.db")
	s, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SaveTicket(context.Background(), model.QueueTicket{ID: "t1", SpecialtyID: "Da liễu", Day: "2026-03-10", Number: 1})
	s.Close()

	s, err = Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	tickets, err := s.ListTickets(context.Background(), "2026-03-10")
	if err != nil || len(tickets) != 1 {
		t.Fatalf("expected ticket to survive reopen: %+v, %v", tickets, err)
	}
}

func TestRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	r1 := &model.MedicalRecord{
		ID: "r1", Version: 1, PatientID: "P1", SessionID: "s1",
		Info:             model.CollectedInfo{Complaint: "Tôi bị đau đầu", Symptoms: []string{"đau đầu"}},
		DiagnosisSummary: "Bệnh nhân có các triệu chứng: đau đầu.",
		Recommendations:  model.Recommendations{Specialty: model.LabelScore{ID: "Thần kinh", Confidence: 0.85}},
		CreatedAt:        created,
	}
	r2 := *r1
	r2.ID, r2.Version, r2.PriorID = "r2", 2, "r1"
	r2.CreatedAt = created.Add(time.Minute)

	if err := s.Save(ctx, r1); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, r1); !errors.Is(err, record.ErrExists) {
		t.Fatalf("expected ErrExists on duplicate, got %v", err)
	}
	if err := s.Save(ctx, &r2); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(r1, got); diff != "" {
		t.Fatalf("record round trip (-want +got):\n%s", diff)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, record.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListByPatient(ctx, "P1")
	if err != nil || len(list) != 2 || list[1].PriorID != "r1" {
		t.Fatalf("unexpected patient records: %+v, %v", list, err)
	}
}

// TestTicketLedger 验证账本的唯一约束：同一天同一专科的号码不能重复写入。
func TestTicketLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

	t1 := model.QueueTicket{ID: "t1", SpecialtyID: "Thần kinh", Day: "2026-03-10", Number: 1, PatientID: "P1", IssuedAt: issued}
	if err := s.SaveTicket(ctx, t1); err != nil {
		t.Fatalf("save ticket: %v", err)
	}
	dup := t1
	dup.ID = "t1-dup"
	if err := s.SaveTicket(ctx, dup); err == nil {
		t.Fatalf("expected unique violation for duplicated number")
	}
	s.SaveTicket(ctx, model.QueueTicket{ID: "t2", SpecialtyID: "Thần kinh", Day: "2026-03-10", Number: 2, IssuedAt: issued})
	s.SaveTicket(ctx, model.QueueTicket{ID: "t3", SpecialtyID: "Thần kinh", Day: "2026-03-11", Number: 1, IssuedAt: issued})

	if err := s.VoidTicket(ctx, "t2"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := s.VoidTicket(ctx, "missing"); err == nil {
		t.Fatalf("expected error voiding unknown ticket")
	}

	tickets, err := s.ListTickets(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []model.QueueTicket{
		t1,
		{ID: "t2", SpecialtyID: "Thần kinh", Day: "2026-03-10", Number: 2, IssuedAt: issued, Voided: true},
	}
	if diff := cmp.Diff(want, tickets); diff != "" {
		t.Fatalf("unexpected tickets (-want +got):\n%s", diff)
	}
	if err := s.ReinstateTicket(ctx, "t2"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	tickets, _ = s.ListTickets(ctx, "2026-03-10")
	if len(tickets) != 2 || tickets[1].Voided {
		t.Fatalf("t2 should be live again: %+v", tickets)
	}
}

// TestServingProgress 验证叫号进度按运营日和专科 upsert。
func TestServingProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SaveServing(ctx, "2026-03-10", "Thần kinh", 1)
	s.SaveServing(ctx, "2026-03-10", "Thần kinh", 2)
	s.SaveServing(ctx, "2026-03-10", "Tim mạch", 5)
	s.SaveServing(ctx, "2026-03-11", "Thần kinh", 9)

	got, err := s.ListServing(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("list serving: %v", err)
	}
	if diff := cmp.Diff(map[string]int64{"Thần kinh": 2, "Tim mạch": 5}, got); diff != "" {
		t.Fatalf("unexpected serving (-want +got):\n%s", diff)
	}
}

func TestArchivedSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &model.Session{ID: "s1", PatientID: "P1", State: model.StateCancelled, UpdatedAt: time.Now()}
	if err := s.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("archive: %v", err)
	}
	sess.State = model.StateRecordGenerated
	if err := s.ArchiveSession(ctx, sess); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	if n, _ := s.CountArchived(ctx, "P1"); n != 1 {
		t.Fatalf("expected 1 archived session, got %d", n)
	}
	got, err := s.GetArchived(ctx, "s1")
	if err != nil || got.State != model.StateRecordGenerated {
		t.Fatalf("unexpected archived session: %+v, %v", got, err)
	}
	if _, err := s.GetArchived(ctx, "nope"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected session.ErrNotFound, got %v", err)
	}
}

func TestTimelineEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq1, err := s.Append(ctx, "s1", &model.Event{Type: "user_message", EventID: "e1", Text: "Tôi bị ho"})
	if err != nil || seq1 != 1 {
		t.Fatalf("append: %d, %v", seq1, err)
	}
	if seq, _ := s.Append(ctx, "s1", &model.Event{Type: "user_message", EventID: "e1"}); seq != 1 {
		t.Fatalf("expected idempotent append, got seq %d", seq)
	}
	s.Append(ctx, "s1", &model.Event{Type: "transition", From: model.StateGreeting, To: model.StateCollectingSymptoms})
	s.Append(ctx, "s2", &model.Event{Type: "user_message"})

	events, err := s.Since(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(events) != 2 || events[0].Text != "Tôi bị ho" || events[1].To != model.StateCollectingSymptoms || events[1].Seq != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
	tail, _ := s.Since(ctx, "s1", 1)
	if len(tail) != 1 || tail[0].Type != "transition" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}

// TestTimelineAppendAll 验证一轮事件一次性写入，seq 连续并回填。
func TestTimelineAppendAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Append(ctx, "s1", &model.Event{Type: "user_message", Text: "xin chào"})
	evts := []model.Event{
		{Type: "user_message", Text: "Tôi bị ho"},
		{Type: "transition", From: model.StateGreeting, To: model.StateCollectingSymptoms},
		{Type: "assistant_text", Text: "Bạn bị như vậy bao lâu rồi?"},
	}
	if err := s.AppendAll(ctx, "s1", evts); err != nil {
		t.Fatalf("append all: %v", err)
	}
	for i, e := range evts {
		if e.Seq != int64(i+2) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+2, e.Seq)
		}
	}
	all, _ := s.Since(ctx, "s1", 0)
	if len(all) != 4 || all[3].Type != "assistant_text" {
		t.Fatalf("unexpected events: %+v", all)
	}
}
