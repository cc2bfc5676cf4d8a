package session_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/journal"
	"missionline/internal/migrate"
	"missionline/internal/progress"
	"missionline/internal/repo"
	"missionline/internal/session"
)

type missions map[string]domain.Mission

func (m missions) Get(id string) (domain.Mission, bool) {
	mission, ok := m[id]
	return mission, ok
}

type testEnv struct {
	Session *session.Session
	Store   *progress.Store
	Repo    repo.Repo
	Ctx     context.Context
	Changes *int
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn, Now: now}
	w := journal.Writer{DB: conn, Now: now}
	store := progress.New(r, w, nil)
	if _, err := store.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	cat := missions{
		"M1": {ID: "M1", Title: "One"},
		"M2": {ID: "M2", Title: "Two"},
	}
	s := session.New(store, cat, w)
	changes := 0
	s.Observe(func(context.Context) { changes++ })
	return testEnv{Session: s, Store: store, Repo: r, Ctx: ctx, Changes: &changes}
}

func TestAcceptCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if env.Session.Status("M1") != domain.MissionAvailable {
		t.Fatalf("expected available")
	}
	if err := env.Session.AcceptMission(env.Ctx, "M1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	m, ok := env.Session.ActiveMission()
	if !ok || m.ID != "M1" {
		t.Fatalf("expected M1 active, got %v %v", m.ID, ok)
	}
	if env.Session.Status("M1") != domain.MissionActive {
		t.Fatalf("expected active status")
	}

	if err := env.Session.CompleteMission(env.Ctx, "M1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := env.Session.ActiveMission(); ok {
		t.Fatalf("active mission not cleared")
	}
	if env.Session.Status("M1") != domain.MissionCompleted {
		t.Fatalf("expected completed status")
	}
	before := *env.Changes
	if err := env.Session.CompleteMission(env.Ctx, "M1"); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if *env.Changes != before {
		t.Fatalf("repeat completion notified observers")
	}
	if got := env.Store.Snapshot().CompletedMissionIDs; !reflect.DeepEqual(got, []string{"M1"}) {
		t.Fatalf("unexpected completed set %v", got)
	}
	entries, err := env.Repo.LatestJournal(env.Ctx, 10, 0, repo.JournalFilter{MissionID: "M1"})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 2 || entries[0].Kind != domain.JournalMissionCompleted || entries[1].Kind != domain.JournalMissionAccepted {
		t.Fatalf("unexpected journal %+v", entries)
	}
}

func TestCompleteOtherMissionKeepsActive(t *testing.T) {
	env := newTestEnv(t)
	_ = env.Session.AcceptMission(env.Ctx, "M1")
	if err := env.Session.CompleteMission(env.Ctx, "M2"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m, ok := env.Session.ActiveMission(); !ok || m.ID != "M1" {
		t.Fatalf("completing another mission changed the active one")
	}
}

func TestAbandonRetainsObjectiveFacts(t *testing.T) {
	env := newTestEnv(t)
	_ = env.Session.AcceptMission(env.Ctx, "M1")
	if _, err := env.Store.CompleteTask(env.Ctx, "M1", "A"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := env.Session.AbandonMission(env.Ctx); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, ok := env.Session.ActiveMission(); ok {
		t.Fatalf("still active after abandon")
	}
	if !env.Store.IsTaskCompleted("M1", "A") {
		t.Fatalf("abandon dropped completed objective")
	}
	before := *env.Changes
	if err := env.Session.AbandonMission(env.Ctx); err != nil {
		t.Fatalf("abandon without active: %v", err)
	}
	if *env.Changes != before {
		t.Fatalf("no-op abandon notified observers")
	}
}

func TestAcceptMissionIsUnconditional(t *testing.T) {
	env := newTestEnv(t)
	_ = env.Session.AcceptMission(env.Ctx, "M1")
	if err := env.Session.AcceptMission(env.Ctx, "M2"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m, _ := env.Session.ActiveMission(); m.ID != "M2" {
		t.Fatalf("expected M2 active")
	}
}

func TestGuardedAccept(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Session.Accept(env.Ctx, "nope", false); !errors.Is(err, session.ErrUnknownMission) {
		t.Fatalf("expected unknown mission, got %v", err)
	}
	if _, err := env.Session.Accept(env.Ctx, "M1", false); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := env.Session.Accept(env.Ctx, "M1", false); err != nil {
		t.Fatalf("re-accepting the active mission should succeed: %v", err)
	}
	if _, err := env.Session.Accept(env.Ctx, "M2", false); !errors.Is(err, session.ErrMissionActive) {
		t.Fatalf("expected mission active error, got %v", err)
	}
	if _, err := env.Session.Accept(env.Ctx, "M2", true); err != nil {
		t.Fatalf("forced accept: %v", err)
	}
	if m, _ := env.Session.ActiveMission(); m.ID != "M2" {
		t.Fatalf("forced accept did not switch")
	}
}

func TestUnresolvableActiveMission(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Session.AcceptMission(env.Ctx, "removed-content"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, ok := env.Session.ActiveMission(); ok {
		t.Fatalf("unknown id must read as no active mission")
	}
}
