package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"triage-assistant/server/internal/model"
)

func TestInMemoryStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	sess := &model.Session{ID: "s-1", PatientID: "P1", State: model.StateGreeting}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.State = model.StateCancelled

	got, err := store.Get(ctx, "P1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateGreeting {
		t.Fatalf("store must keep its own copy, got %s", got.State)
	}
	got.Info.AddSymptom("ho")
	again, _ := store.Get(ctx, "P1")
	if len(again.Info.Symptoms) != 0 {
		t.Fatalf("mutating a loaded session must not leak into the store")
	}

	if found, err := store.Find(ctx, "s-1"); err != nil || found.PatientID != "P1" {
		t.Fatalf("find by session id: %+v, %v", found, err)
	}

	store.Delete(ctx, "P1")
	if _, err := store.Get(ctx, "P1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListIdle(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store.Save(ctx, &model.Session{ID: "a", PatientID: "P1", UpdatedAt: base})
	store.Save(ctx, &model.Session{ID: "b", PatientID: "P2", UpdatedAt: base.Add(-30 * time.Minute)})
	store.Save(ctx, &model.Session{ID: "c", PatientID: "P3", UpdatedAt: base.Add(10 * time.Minute)})

	idle, err := store.ListIdle(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 2 || idle[0].ID != "b" || idle[1].ID != "a" {
		t.Fatalf("unexpected idle sessions: %+v", idle)
	}
}

func TestInMemoryArchive(t *testing.T) {
	ctx := context.Background()
	archive := NewInMemoryArchive()

	archive.ArchiveSession(ctx, &model.Session{ID: "s-1", PatientID: "P1", State: model.StateCancelled})
	archive.ArchiveSession(ctx, &model.Session{ID: "s-1", PatientID: "P1", State: model.StateCancelled})
	archive.ArchiveSession(ctx, &model.Session{ID: "s-2", PatientID: "P1", State: model.StateRecordGenerated})

	if n, _ := archive.CountArchived(ctx, "P1"); n != 2 {
		t.Fatalf("expected 2 archived sessions, got %d", n)
	}
	if n, _ := archive.CountArchived(ctx, "P2"); n != 0 {
		t.Fatalf("expected no sessions for unknown patient, got %d", n)
	}
	got, err := archive.GetArchived(ctx, "s-2")
	if err != nil || got.State != model.StateRecordGenerated {
		t.Fatalf("get archived: %+v, %v", got, err)
	}
	if _, err := archive.GetArchived(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
