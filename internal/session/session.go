// Package session tracks which mission is being played. It mutates the
// progress store and tells observers (the objective engine) whenever the
// active mission or the completed set changes.
package session

import (
	"context"
	"errors"
	"fmt"

	"missionline/internal/domain"
	"missionline/internal/journal"
	"missionline/internal/progress"
)

var (
	ErrMissionActive  = errors.New("another mission is active")
	ErrUnknownMission = errors.New("unknown mission")
	ErrNotActive      = errors.New("mission is not active")
)

type Catalog interface {
	Get(id string) (domain.Mission, bool)
}

type Observer func(ctx context.Context)

type Session struct {
	store     *progress.Store
	catalog   Catalog
	journal   progress.Recorder
	observers []Observer
}

func New(store *progress.Store, catalog Catalog, rec progress.Recorder) *Session {
	return &Session{store: store, catalog: catalog, journal: rec}
}

// Observe registers fn to run after every state change, in registration
// order.
func (s *Session) Observe(fn Observer) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// AcceptMission makes id the active mission. It does not check whether
// another mission is active; callers that want exclusivity use Accept.
func (s *Session) AcceptMission(ctx context.Context, id string) error {
	if err := s.store.SetActive(ctx, id); err != nil {
		return err
	}
	s.record(ctx, journal.Entry{Kind: domain.JournalMissionAccepted, MissionID: id})
	s.notify(ctx)
	return nil
}

// Accept is the guarded form used by the console surfaces: the mission must
// exist and no other mission may be active unless force is set.
func (s *Session) Accept(ctx context.Context, id string, force bool) (domain.Mission, error) {
	m, ok := s.catalog.Get(id)
	if !ok {
		return domain.Mission{}, fmt.Errorf("%w: %s", ErrUnknownMission, id)
	}
	if active := s.store.ActiveMissionID(); active != "" && active != id && !force {
		return domain.Mission{}, fmt.Errorf("%w: %s", ErrMissionActive, active)
	}
	if s.store.ActiveMissionID() == id {
		return m, nil
	}
	return m, s.AcceptMission(ctx, id)
}

// CompleteMission adds id to the completed set and clears it as the active
// mission. Repeating it changes nothing.
func (s *Session) CompleteMission(ctx context.Context, id string) error {
	wasActive := s.store.ActiveMissionID() == id
	added, err := s.store.AddCompletedMission(ctx, id)
	if err != nil {
		return err
	}
	if !added && !wasActive {
		return nil
	}
	if added {
		s.record(ctx, journal.Entry{Kind: domain.JournalMissionCompleted, MissionID: id})
	}
	s.notify(ctx)
	return nil
}

// AbandonMission clears the active mission. Objectives already completed for
// it stay recorded.
func (s *Session) AbandonMission(ctx context.Context) error {
	id := s.store.ActiveMissionID()
	if id == "" {
		return nil
	}
	if err := s.store.ClearActive(ctx); err != nil {
		return err
	}
	s.record(ctx, journal.Entry{
		Kind:      domain.JournalMissionAbandoned,
		MissionID: id,
		Payload:   journal.Payload{"completed_tasks": s.store.CompletedTasks(id)},
	})
	s.notify(ctx)
	return nil
}

// ActiveMission resolves the active id against the catalog. An id the
// catalog does not know reads as no active mission.
func (s *Session) ActiveMission() (domain.Mission, bool) {
	id := s.store.ActiveMissionID()
	if id == "" {
		return domain.Mission{}, false
	}
	return s.catalog.Get(id)
}

func (s *Session) Status(id string) domain.MissionStatus {
	switch {
	case id != "" && s.store.ActiveMissionID() == id:
		return domain.MissionActive
	case s.store.MissionCompleted(id):
		return domain.MissionCompleted
	default:
		return domain.MissionAvailable
	}
}

// Reset wipes all progress and lets observers re-derive.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

func (s *Session) notify(ctx context.Context) {
	for _, fn := range s.observers {
		fn(ctx)
	}
}

func (s *Session) record(ctx context.Context, e journal.Entry) {
	if s.journal != nil {
		s.journal.Record(ctx, e)
	}
}
