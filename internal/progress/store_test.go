package progress_test

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
)

type testEnv struct {
	Repo    repo.Repo
	Journal journal.Writer
	Ctx     context.Context
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
	return testEnv{
		Repo:    repo.Repo{DB: conn, Now: now},
		Journal: journal.Writer{DB: conn, Now: now},
		Ctx:     ctx,
	}
}

func (env testEnv) store() *progress.Store {
	return progress.New(env.Repo, env.Journal, nil)
}

func (env testEnv) journalKinds(t *testing.T, kind string) int {
	t.Helper()
	entries, err := env.Repo.LatestJournal(env.Ctx, 100, 0, repo.JournalFilter{Kind: kind})
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	return len(entries)
}

func TestLoadEmptyWorkspace(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(p, domain.NewProgress()) {
		t.Fatalf("expected empty progress, got %+v", p)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	s := env.store()
	if _, err := s.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.SetActive(env.Ctx, "night-watch"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	for _, step := range [][2]string{{"night-watch", "breach-gateway"}, {"night-watch", "lookup-courier"}, {"first-contact", "read-drop"}} {
		if _, err := s.CompleteTask(env.Ctx, step[0], step[1]); err != nil {
			t.Fatalf("complete %v: %v", step, err)
		}
	}
	if _, err := s.AddCompletedMission(env.Ctx, "cleanup"); err != nil {
		t.Fatalf("add completed: %v", err)
	}
	want := s.Snapshot()

	got, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestPersistedShape(t *testing.T) {
	env := newTestEnv(t)
	s := env.store()
	if _, err := s.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.CompleteTask(env.Ctx, "M1", "A"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, _ := env.Repo.GetBlob(env.Ctx, progress.RecordKey)
	if string(rec) != `{"activeMissionId":null,"completedMissionIds":[]}` {
		t.Fatalf("unexpected record blob %s", rec)
	}
	tasks, _ := env.Repo.GetBlob(env.Ctx, progress.TasksKey)
	if string(tasks) != `{"M1":{"completedTasks":["A"]}}` {
		t.Fatalf("unexpected tasks blob %s", tasks)
	}
}

func TestLegacyTaskListIsMigrated(t *testing.T) {
	env := newTestEnv(t)
	err := env.Repo.PutBlobs(env.Ctx, map[string][]byte{
		progress.RecordKey: []byte(`{"activeMissionId":"night-watch","completedMissionIds":["cleanup"]}`),
		progress.TasksKey:  []byte(`{"completedTasks":["read-drop","jam-sat"],"completedMissionIds":["first-contact","cleanup"]}`),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected task map reset, got %v", p.Tasks)
	}
	if !reflect.DeepEqual(p.CompletedMissionIDs, []string{"cleanup", "first-contact"}) {
		t.Fatalf("completed missions not preserved: %v", p.CompletedMissionIDs)
	}
	if p.ActiveMissionID != "night-watch" {
		t.Fatalf("active mission lost: %q", p.ActiveMissionID)
	}
	tasks, _ := env.Repo.GetBlob(env.Ctx, progress.TasksKey)
	if string(tasks) != `{}` {
		t.Fatalf("migrated shape not written back: %s", tasks)
	}
	if n := env.journalKinds(t, domain.JournalProgressMigrated); n != 1 {
		t.Fatalf("expected one migration entry, got %d", n)
	}

	again, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(again, p) {
		t.Fatalf("migration is not stable: %+v vs %+v", again, p)
	}
	if n := env.journalKinds(t, domain.JournalProgressMigrated); n != 1 {
		t.Fatalf("migration ran twice")
	}
}

func TestCorruptBlobsRecoverToEmpty(t *testing.T) {
	env := newTestEnv(t)
	err := env.Repo.PutBlobs(env.Ctx, map[string][]byte{
		progress.RecordKey: []byte(`{not json`),
		progress.TasksKey:  []byte(`{"M1":{"completedTasks":["A"]}}`),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	p, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("corrupt record must not fail load: %v", err)
	}
	if p.ActiveMissionID != "" || len(p.CompletedMissionIDs) != 0 {
		t.Fatalf("expected empty record, got %+v", p)
	}
	if !reflect.DeepEqual(p.Tasks, map[string][]string{"M1": {"A"}}) {
		t.Fatalf("intact tasks lost: %v", p.Tasks)
	}

	if err := env.Repo.PutBlobs(env.Ctx, map[string][]byte{progress.TasksKey: []byte(`{"M1":{"completedTasks":"A"}}`)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	p, err = env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("corrupt tasks must not fail load: %v", err)
	}
	if len(p.Tasks) != 0 {
		t.Fatalf("expected empty tasks, got %v", p.Tasks)
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.store()
	if _, err := s.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	changed, err := s.CompleteTask(env.Ctx, "M1", "A")
	if err != nil || !changed {
		t.Fatalf("first completion: changed=%v err=%v", changed, err)
	}
	changed, err = s.CompleteTask(env.Ctx, "M1", "A")
	if err != nil || changed {
		t.Fatalf("second completion: changed=%v err=%v", changed, err)
	}
	if got := s.CompletedTasks("M1"); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected single completion, got %v", got)
	}
	if !s.IsTaskCompleted("M1", "A") || s.IsTaskCompleted("M1", "B") || s.IsTaskCompleted("M2", "A") {
		t.Fatalf("completion lookup wrong")
	}
}

func TestAddCompletedMissionClearsActive(t *testing.T) {
	env := newTestEnv(t)
	s := env.store()
	if _, err := s.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.SetActive(env.Ctx, "M1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	added, err := s.AddCompletedMission(env.Ctx, "M1")
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	if s.ActiveMissionID() != "" {
		t.Fatalf("active mission not cleared")
	}
	added, err = s.AddCompletedMission(env.Ctx, "M1")
	if err != nil || added {
		t.Fatalf("duplicate add: added=%v err=%v", added, err)
	}
	if got := s.Snapshot().CompletedMissionIDs; !reflect.DeepEqual(got, []string{"M1"}) {
		t.Fatalf("unexpected completed list %v", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	env := newTestEnv(t)
	s := env.store()
	if _, err := s.Load(env.Ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = s.SetActive(env.Ctx, "M1")
	_, _ = s.CompleteTask(env.Ctx, "M1", "A")
	if err := s.Reset(env.Ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	p, err := env.store().Load(env.Ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(p, domain.NewProgress()) {
		t.Fatalf("expected empty progress after reset, got %+v", p)
	}
	if n := env.journalKinds(t, domain.JournalProgressReset); n != 1 {
		t.Fatalf("expected reset journaled once, got %d", n)
	}
}

type failingBlobs struct {
	getErr error
	putErr error
}

func (f failingBlobs) GetBlob(context.Context, string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return nil, repo.ErrNotFound
}

func (f failingBlobs) PutBlobs(context.Context, map[string][]byte) error { return f.putErr }

func TestStorageFailuresAreReturned(t *testing.T) {
	ctx := context.Background()
	diskErr := errors.New("disk gone")

	if _, err := progress.New(failingBlobs{getErr: diskErr}, nil, nil).Load(ctx); !errors.Is(err, diskErr) {
		t.Fatalf("expected read failure, got %v", err)
	}

	s := progress.New(failingBlobs{putErr: diskErr}, nil, nil)
	if _, err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.CompleteTask(ctx, "M1", "A"); !errors.Is(err, diskErr) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if s.IsTaskCompleted("M1", "A") {
		t.Fatalf("failed save must not change in-memory state")
	}
}
