package domain

import "sort"

type ObjectiveStatus string

const (
	StatusLocked    ObjectiveStatus = "LOCKED"
	StatusActive    ObjectiveStatus = "ACTIVE"
	StatusCompleted ObjectiveStatus = "COMPLETED"
)

type MissionStatus string

const (
	MissionAvailable MissionStatus = "AVAILABLE"
	MissionActive    MissionStatus = "ACTIVE"
	MissionCompleted MissionStatus = "COMPLETED"
)

// Events the engine publishes on the bus for in-process collaborators.
const (
	EventObjectiveCompleted = "OBJECTIVE_COMPLETED"
	EventMissionMessage     = "MISSION_MESSAGE"
	EventMissionCompleted   = "MISSION_COMPLETED"
)

// Journal entry kinds.
const (
	JournalMissionAccepted    = "mission.accepted"
	JournalMissionAbandoned   = "mission.abandoned"
	JournalMissionCompleted   = "mission.completed"
	JournalObjectiveCompleted = "objective.completed"
	JournalProgressMigrated   = "progress.migrated"
	JournalProgressReset      = "progress.reset"
)

type Trigger struct {
	Event  string `json:"event" yaml:"event"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Matches reports whether an event with the given name and target fires the
// trigger. An empty trigger target accepts any event target.
func (t Trigger) Matches(event, target string) bool {
	if t.Event == "" || t.Event != event {
		return false
	}
	return t.Target == "" || t.Target == target
}

type Effect struct {
	Message        string         `json:"message,omitempty"`
	MissionSuccess bool           `json:"mission_success,omitempty"`
	Flags          map[string]any `json:"flags,omitempty"`
}

type Objective struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Requires    []string `json:"requires,omitempty"`
	Trigger     *Trigger `json:"trigger,omitempty"`
	OnComplete  *Effect  `json:"on_complete,omitempty"`
}

type Reward struct {
	Credits    int      `json:"credits"`
	Reputation int      `json:"reputation"`
	Unlocks    []string `json:"unlocks,omitempty"`
}

type Mission struct {
	ID              string                    `json:"id"`
	Title           string                    `json:"title"`
	Summary         string                    `json:"summary,omitempty"`
	Briefing        string                    `json:"briefing,omitempty"`
	Debrief         string                    `json:"debrief,omitempty"`
	RequiredModules []string                  `json:"required_modules"`
	Objectives      []Objective               `json:"objectives"`
	ModuleData      map[string]map[string]any `json:"module_data,omitempty"`
	Reward          Reward                    `json:"reward"`
	Legacy          bool                      `json:"legacy,omitempty"`
}

// Objective looks up an objective of the mission by id.
func (m Mission) Objective(id string) (Objective, bool) {
	for _, o := range m.Objectives {
		if o.ID == id {
			return o, true
		}
	}
	return Objective{}, false
}

// LiveObjective is the derived, presentation-facing view of one objective.
type LiveObjective struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Status      ObjectiveStatus `json:"status" enum:"LOCKED,ACTIVE,COMPLETED"`
	Locked      bool            `json:"locked"`
}

// Progress is the durable progress state: the active mission, the fully
// completed missions and, per mission, the completed objective ids.
type Progress struct {
	ActiveMissionID     string              `json:"activeMissionId"`
	CompletedMissionIDs []string            `json:"completedMissionIds"`
	Tasks               map[string][]string `json:"tasks"`
}

func NewProgress() Progress {
	return Progress{
		CompletedMissionIDs: []string{},
		Tasks:               map[string][]string{},
	}
}

// Clone returns a deep copy.
func (p Progress) Clone() Progress {
	out := Progress{
		ActiveMissionID:     p.ActiveMissionID,
		CompletedMissionIDs: append([]string{}, p.CompletedMissionIDs...),
		Tasks:               make(map[string][]string, len(p.Tasks)),
	}
	for id, tasks := range p.Tasks {
		out.Tasks[id] = append([]string{}, tasks...)
	}
	return out
}

func (p Progress) MissionCompleted(id string) bool {
	for _, done := range p.CompletedMissionIDs {
		if done == id {
			return true
		}
	}
	return false
}

// MissionIDsWithTasks returns the ids of missions that have at least one
// completed objective, sorted.
func (p Progress) MissionIDsWithTasks() []string {
	ids := make([]string, 0, len(p.Tasks))
	for id, tasks := range p.Tasks {
		if len(tasks) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type JournalEntry struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Kind        string `json:"kind"`
	MissionID   string `json:"mission_id,omitempty"`
	ObjectiveID string `json:"objective_id,omitempty"`
	Source      string `json:"source,omitempty"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID           string `json:"id"`
	Collaborator string `json:"collaborator"`
	Name         string `json:"name,omitempty"`
	KeyHash      string `json:"key_hash"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
