// Package engine turns bus events into objective progress for the active
// mission.
//
// The engine keeps a live view of the active mission's objectives with
// derived statuses and holds exactly one bus subscription per trigger event
// that some ACTIVE objective waits for. It is inert when no mission is
// active: empty view, no subscriptions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"missionline/internal/bus"
	"missionline/internal/domain"
	"missionline/internal/journal"
)

var (
	ErrNoActiveMission  = errors.New("no active mission")
	ErrUnknownObjective = errors.New("unknown objective")
	ErrObjectiveLocked  = errors.New("objective is locked")
)

// Session is the slice of the mission session the engine drives.
type Session interface {
	ActiveMission() (domain.Mission, bool)
	CompleteMission(ctx context.Context, id string) error
}

// Tasks is the completed-objective ledger.
type Tasks interface {
	CompleteTask(ctx context.Context, missionID, objectiveID string) (bool, error)
	IsTaskCompleted(missionID, objectiveID string) bool
}

type Recorder interface {
	Record(ctx context.Context, e journal.Entry)
}

type Options struct {
	Journal Recorder
	Logger  *log.Logger
}

type Engine struct {
	bus     *bus.Bus
	session Session
	tasks   Tasks
	journal Recorder
	logger  *log.Logger

	mission domain.Mission
	live    []domain.LiveObjective
	index   map[string]int
	subs    map[string]bus.Subscription
}

func New(b *bus.Bus, s Session, tasks Tasks, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		bus:     b,
		session: s,
		tasks:   tasks,
		journal: opts.Journal,
		logger:  logger,
		index:   map[string]int{},
		subs:    map[string]bus.Subscription{},
	}
}

// Refresh re-derives the live view from the active mission and the
// completion ledger, then resyncs bus subscriptions. It runs whenever the
// session changes.
func (e *Engine) Refresh(ctx context.Context) {
	m, ok := e.session.ActiveMission()
	if !ok {
		e.mission = domain.Mission{}
		e.live = nil
		e.index = map[string]int{}
		e.sync()
		return
	}
	e.mission = m
	e.live = Derive(m, e.tasks.IsTaskCompleted)
	e.index = make(map[string]int, len(e.live))
	for i, lo := range e.live {
		e.index[lo.ID] = i
	}
	e.sync()
}

// Derive computes the status of every objective of m: COMPLETED when the
// ledger says so, LOCKED while any required objective is not COMPLETED,
// ACTIVE otherwise. Requirements that do not exist or sit on a cycle keep
// the objective LOCKED.
func Derive(m domain.Mission, completed func(missionID, objectiveID string) bool) []domain.LiveObjective {
	byID := make(map[string]domain.Objective, len(m.Objectives))
	for _, o := range m.Objectives {
		byID[o.ID] = o
	}
	status := map[string]domain.ObjectiveStatus{}
	visiting := map[string]bool{}
	var resolve func(id string) domain.ObjectiveStatus
	resolve = func(id string) domain.ObjectiveStatus {
		if s, ok := status[id]; ok {
			return s
		}
		o, ok := byID[id]
		if !ok || visiting[id] {
			return domain.StatusLocked
		}
		visiting[id] = true
		s := domain.StatusActive
		if completed(m.ID, id) {
			s = domain.StatusCompleted
		} else {
			for _, req := range o.Requires {
				if resolve(req) != domain.StatusCompleted {
					s = domain.StatusLocked
					break
				}
			}
		}
		delete(visiting, id)
		status[id] = s
		return s
	}

	live := make([]domain.LiveObjective, 0, len(m.Objectives))
	for _, o := range m.Objectives {
		s := resolve(o.ID)
		live = append(live, domain.LiveObjective{
			ID:          o.ID,
			Label:       o.Label,
			Description: o.Description,
			Status:      s,
			Locked:      s == domain.StatusLocked,
		})
	}
	return live
}

// NeededEvents returns the distinct trigger events of the ACTIVE objectives
// in live, sorted.
func NeededEvents(m domain.Mission, live []domain.LiveObjective) []string {
	seen := map[string]bool{}
	var names []string
	for _, lo := range live {
		if lo.Status != domain.StatusActive {
			continue
		}
		o, ok := m.Objective(lo.ID)
		if !ok || o.Trigger == nil || o.Trigger.Event == "" || seen[o.Trigger.Event] {
			continue
		}
		seen[o.Trigger.Event] = true
		names = append(names, o.Trigger.Event)
	}
	sort.Strings(names)
	return names
}

// sync brings the bus subscriptions in line with NeededEvents.
func (e *Engine) sync() {
	needed := NeededEvents(e.mission, e.live)
	want := make(map[string]bool, len(needed))
	for _, name := range needed {
		want[name] = true
	}
	for name, sub := range e.subs {
		if !want[name] {
			e.bus.Unsubscribe(sub)
			delete(e.subs, name)
		}
	}
	for _, name := range needed {
		if _, ok := e.subs[name]; !ok {
			e.subs[name] = e.bus.Subscribe(name, e.handle)
		}
	}
}

func (e *Engine) handle(ctx context.Context, evt bus.Event) {
	missionID := e.mission.ID
	var matches []string
	for i, lo := range e.live {
		if lo.Status != domain.StatusActive {
			continue
		}
		o := e.mission.Objectives[i]
		if o.Trigger != nil && o.Trigger.Matches(evt.Name, evt.Target) {
			matches = append(matches, o.ID)
		}
	}
	for _, id := range matches {
		// Effects of an earlier match may have ended or switched the mission.
		// The remaining matches still count for it, without their effects.
		if e.mission.ID != missionID {
			e.completeDetached(ctx, missionID, id, evt)
			continue
		}
		if e.status(id) != domain.StatusActive {
			continue
		}
		if err := e.complete(ctx, id, &evt); err != nil {
			e.logger.Printf("engine: complete %s/%s: %v", missionID, id, err)
		}
	}
}

// completeDetached records a match of a mission that is no longer loaded.
func (e *Engine) completeDetached(ctx context.Context, missionID, objectiveID string, evt bus.Event) {
	changed, err := e.tasks.CompleteTask(ctx, missionID, objectiveID)
	if err != nil {
		e.logger.Printf("engine: complete %s/%s: %v", missionID, objectiveID, err)
		return
	}
	if !changed {
		return
	}
	e.record(ctx, journal.Entry{
		Kind:        domain.JournalObjectiveCompleted,
		MissionID:   missionID,
		ObjectiveID: objectiveID,
		Payload:     journal.Payload{"event": evt.Name, "target": evt.Target},
	})
	e.bus.Emit(ctx, bus.Event{
		Name:   domain.EventObjectiveCompleted,
		Target: objectiveID,
		Data:   map[string]any{"mission_id": missionID},
	})
}

// MarkComplete completes an ACTIVE objective of the active mission without
// a trigger event. Completing an already COMPLETED objective is a no-op.
func (e *Engine) MarkComplete(ctx context.Context, objectiveID string) error {
	if e.mission.ID == "" {
		return ErrNoActiveMission
	}
	if _, ok := e.index[objectiveID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObjective, objectiveID)
	}
	switch e.status(objectiveID) {
	case domain.StatusCompleted:
		return nil
	case domain.StatusLocked:
		return fmt.Errorf("%w: %s", ErrObjectiveLocked, objectiveID)
	}
	return e.complete(ctx, objectiveID, nil)
}

func (e *Engine) complete(ctx context.Context, objectiveID string, cause *bus.Event) error {
	m := e.mission
	if _, err := e.tasks.CompleteTask(ctx, m.ID, objectiveID); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	e.setStatus(objectiveID, domain.StatusCompleted)
	e.promote(objectiveID)
	e.sync()

	payload := journal.Payload{}
	if cause != nil {
		payload["event"] = cause.Name
		payload["target"] = cause.Target
	} else {
		payload["manual"] = true
	}
	e.record(ctx, journal.Entry{Kind: domain.JournalObjectiveCompleted, MissionID: m.ID, ObjectiveID: objectiveID, Payload: payload})
	e.bus.Emit(ctx, bus.Event{
		Name:   domain.EventObjectiveCompleted,
		Target: objectiveID,
		Data:   map[string]any{"mission_id": m.ID},
	})

	obj, _ := m.Objective(objectiveID)
	if obj.OnComplete == nil {
		return nil
	}
	if obj.OnComplete.Message != "" || len(obj.OnComplete.Flags) > 0 {
		data := map[string]any{"mission_id": m.ID, "objective_id": objectiveID, "message": obj.OnComplete.Message}
		if len(obj.OnComplete.Flags) > 0 {
			data["flags"] = obj.OnComplete.Flags
		}
		e.bus.Emit(ctx, bus.Event{Name: domain.EventMissionMessage, Target: m.ID, Data: data})
	}
	if obj.OnComplete.MissionSuccess {
		if err := e.session.CompleteMission(ctx, m.ID); err != nil {
			return fmt.Errorf("complete mission: %w", err)
		}
		e.bus.Emit(ctx, bus.Event{
			Name:   domain.EventMissionCompleted,
			Target: m.ID,
			Data:   map[string]any{"reward": m.Reward},
		})
	}
	return nil
}

// promote activates LOCKED objectives that required completed and now have
// every requirement COMPLETED.
func (e *Engine) promote(completed string) {
	for i, o := range e.mission.Objectives {
		if e.live[i].Status != domain.StatusLocked || !contains(o.Requires, completed) {
			continue
		}
		ready := true
		for _, req := range o.Requires {
			if e.status(req) != domain.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			e.live[i].Status = domain.StatusActive
			e.live[i].Locked = false
		}
	}
}

func (e *Engine) status(id string) domain.ObjectiveStatus {
	i, ok := e.index[id]
	if !ok {
		return domain.StatusLocked
	}
	return e.live[i].Status
}

func (e *Engine) setStatus(id string, s domain.ObjectiveStatus) {
	if i, ok := e.index[id]; ok {
		e.live[i].Status = s
		e.live[i].Locked = s == domain.StatusLocked
	}
}

// Objectives returns a copy of the live view.
func (e *Engine) Objectives() []domain.LiveObjective {
	return append([]domain.LiveObjective{}, e.live...)
}

// CanComplete reports whether every objective of the active mission is
// COMPLETED. A mission without objectives cannot be completed this way.
func (e *Engine) CanComplete() bool {
	if len(e.live) == 0 {
		return false
	}
	for _, lo := range e.live {
		if lo.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// Subscriptions returns the event names the engine listens for, sorted.
func (e *Engine) Subscriptions() []string {
	names := make([]string, 0, len(e.subs))
	for name := range e.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissionID is the id of the mission the live view belongs to, empty when
// inert.
func (e *Engine) MissionID() string {
	return e.mission.ID
}

func (e *Engine) record(ctx context.Context, entry journal.Entry) {
	if e.journal != nil {
		e.journal.Record(ctx, entry)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
