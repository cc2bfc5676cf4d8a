// Package progress owns the two durable progress records: the mission record
// (active mission, completed missions) and the per-mission completed task
// sets. No other package reads or writes them.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"missionline/internal/domain"
	"missionline/internal/journal"
	"missionline/internal/repo"
)

const (
	RecordKey = "progress.record"
	TasksKey  = "progress.tasks"
)

// Blobs is the key/value storage the records live in. GetBlob returns
// repo.ErrNotFound for a missing key; PutBlobs writes all pairs atomically.
type Blobs interface {
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlobs(ctx context.Context, blobs map[string][]byte) error
}

type Recorder interface {
	Record(ctx context.Context, e journal.Entry)
}

type Store struct {
	blobs   Blobs
	journal Recorder
	logger  *log.Logger
	state   domain.Progress
}

func New(blobs Blobs, rec Recorder, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{blobs: blobs, journal: rec, logger: logger, state: domain.NewProgress()}
}

type recordJSON struct {
	ActiveMissionID     *string  `json:"activeMissionId"`
	CompletedMissionIDs []string `json:"completedMissionIds"`
}

type tasksJSON struct {
	CompletedTasks []string `json:"completedTasks"`
}

// Load reads both records into memory. Missing or unparseable data yields an
// empty record and is logged; only a storage failure is returned. A legacy
// flat task list is discarded and the migrated shape is written back at once.
func (s *Store) Load(ctx context.Context) (domain.Progress, error) {
	p := domain.NewProgress()

	raw, err := s.get(ctx, RecordKey)
	if err != nil {
		return domain.Progress{}, err
	}
	if raw != nil {
		var rec recordJSON
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Printf("progress: discarding unreadable %s: %v", RecordKey, err)
		} else {
			if rec.ActiveMissionID != nil {
				p.ActiveMissionID = *rec.ActiveMissionID
			}
			p.CompletedMissionIDs = appendUnique(p.CompletedMissionIDs, rec.CompletedMissionIDs...)
		}
	}

	raw, err = s.get(ctx, TasksKey)
	if err != nil {
		return domain.Progress{}, err
	}
	migrated := false
	var discarded int
	if raw != nil {
		tasks, legacy, err := decodeTasks(raw)
		switch {
		case err != nil:
			s.logger.Printf("progress: discarding unreadable %s: %v", TasksKey, err)
		case legacy != nil:
			migrated = true
			discarded = len(legacy.tasks)
			p.CompletedMissionIDs = appendUnique(p.CompletedMissionIDs, legacy.missions...)
			s.logger.Printf("progress: legacy task list found, reset %d completed tasks", discarded)
		default:
			p.Tasks = tasks
		}
	}

	s.state = p
	if migrated {
		if err := s.Save(ctx, p); err != nil {
			return domain.Progress{}, fmt.Errorf("save migrated progress: %w", err)
		}
		s.record(ctx, journal.Entry{
			Kind: domain.JournalProgressMigrated,
			Payload: journal.Payload{
				"discarded_tasks":       discarded,
				"completed_mission_ids": p.CompletedMissionIDs,
			},
		})
	}
	return p.Clone(), nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.blobs.GetBlob(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, nil
}

type legacyTasks struct {
	tasks    []string
	missions []string
}

// decodeTasks parses the task blob. The legacy shape is recognised by a
// top-level completedTasks array; mission ids stored next to it survive.
func decodeTasks(raw []byte) (map[string][]string, *legacyTasks, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, nil, err
	}
	if flat, ok := top["completedTasks"]; ok {
		var list []string
		if json.Unmarshal(flat, &list) == nil {
			legacy := &legacyTasks{tasks: list}
			for _, key := range []string{"completedMissionIds", "completedMissions"} {
				var ids []string
				if v, ok := top[key]; ok && json.Unmarshal(v, &ids) == nil {
					legacy.missions = append(legacy.missions, ids...)
				}
			}
			return nil, legacy, nil
		}
	}
	tasks := make(map[string][]string, len(top))
	for missionID, v := range top {
		var t tasksJSON
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, nil, fmt.Errorf("mission %s: %w", missionID, err)
		}
		tasks[missionID] = appendUnique([]string{}, t.CompletedTasks...)
	}
	return tasks, nil, nil
}

// Save writes both records in one transaction and makes p the in-memory
// state.
func (s *Store) Save(ctx context.Context, p domain.Progress) error {
	rec := recordJSON{CompletedMissionIDs: p.CompletedMissionIDs}
	if rec.CompletedMissionIDs == nil {
		rec.CompletedMissionIDs = []string{}
	}
	if p.ActiveMissionID != "" {
		id := p.ActiveMissionID
		rec.ActiveMissionID = &id
	}
	tasks := make(map[string]tasksJSON, len(p.Tasks))
	for missionID, ids := range p.Tasks {
		if ids == nil {
			ids = []string{}
		}
		tasks[missionID] = tasksJSON{CompletedTasks: ids}
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	taskData, err := json.Marshal(tasks)
	if err != nil {
		return err
	}
	if err := s.blobs.PutBlobs(ctx, map[string][]byte{RecordKey: recData, TasksKey: taskData}); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	s.state = p.Clone()
	return nil
}

// Update applies fn to a copy of the current state and saves it. The
// in-memory state only changes when the save succeeds.
func (s *Store) Update(ctx context.Context, fn func(p *domain.Progress)) error {
	next := s.state.Clone()
	fn(&next)
	return s.Save(ctx, next)
}

// CompleteTask records objectiveID as completed for missionID. It reports
// whether anything changed; completing twice is a no-op.
func (s *Store) CompleteTask(ctx context.Context, missionID, objectiveID string) (bool, error) {
	if s.IsTaskCompleted(missionID, objectiveID) {
		return false, nil
	}
	err := s.Update(ctx, func(p *domain.Progress) {
		p.Tasks[missionID] = append(p.Tasks[missionID], objectiveID)
	})
	return err == nil, err
}

func (s *Store) IsTaskCompleted(missionID, objectiveID string) bool {
	for _, id := range s.state.Tasks[missionID] {
		if id == objectiveID {
			return true
		}
	}
	return false
}

func (s *Store) CompletedTasks(missionID string) []string {
	return append([]string{}, s.state.Tasks[missionID]...)
}

func (s *Store) ActiveMissionID() string {
	return s.state.ActiveMissionID
}

func (s *Store) MissionCompleted(missionID string) bool {
	return s.state.MissionCompleted(missionID)
}

func (s *Store) SetActive(ctx context.Context, missionID string) error {
	return s.Update(ctx, func(p *domain.Progress) { p.ActiveMissionID = missionID })
}

func (s *Store) ClearActive(ctx context.Context) error {
	return s.SetActive(ctx, "")
}

// AddCompletedMission adds missionID to the completed set, clearing the
// active mission when it is the one completed. It reports whether the set
// grew.
func (s *Store) AddCompletedMission(ctx context.Context, missionID string) (bool, error) {
	already := s.state.MissionCompleted(missionID)
	clears := s.state.ActiveMissionID == missionID
	if already && !clears {
		return false, nil
	}
	err := s.Update(ctx, func(p *domain.Progress) {
		p.CompletedMissionIDs = appendUnique(p.CompletedMissionIDs, missionID)
		if clears {
			p.ActiveMissionID = ""
		}
	})
	return err == nil && !already, err
}

// Reset wipes all progress.
func (s *Store) Reset(ctx context.Context) error {
	prev := s.state
	if err := s.Save(ctx, domain.NewProgress()); err != nil {
		return err
	}
	s.record(ctx, journal.Entry{
		Kind: domain.JournalProgressReset,
		Payload: journal.Payload{
			"active_mission_id":     prev.ActiveMissionID,
			"completed_mission_ids": prev.CompletedMissionIDs,
			"missions_with_tasks":   prev.MissionIDsWithTasks(),
		},
	})
	return nil
}

// Snapshot returns a deep copy of the in-memory state.
func (s *Store) Snapshot() domain.Progress {
	return s.state.Clone()
}

func (s *Store) record(ctx context.Context, e journal.Entry) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, e)
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}
