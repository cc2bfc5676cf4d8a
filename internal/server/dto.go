package server

import (
	"encoding/json"

	"missionline/internal/app"
	"missionline/internal/domain"
)

// Request payloads

type EmitEventRequest struct {
	Event  string         `json:"event" minLength:"1" example:"OPEN_FILE"`
	Target string         `json:"target,omitempty" example:"secret.txt"`
	Data   map[string]any `json:"data,omitempty"`
}

type DevLoginRequest struct {
	Collaborator string   `json:"collaborator"`
	Roles        []string `json:"roles,omitempty"`
}

// Response payloads

type ObjectivesResponse struct {
	MissionID   string                 `json:"mission_id,omitempty"`
	Objectives  []domain.LiveObjective `json:"objectives"`
	CanComplete bool                   `json:"can_complete"`
}

type MissionResponse struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Summary         string        `json:"summary,omitempty"`
	Status          string        `json:"status" enum:"AVAILABLE,ACTIVE,COMPLETED"`
	RequiredModules []string      `json:"required_modules"`
	Reward          domain.Reward `json:"reward"`
	Legacy          bool          `json:"legacy,omitempty"`
	ObjectiveCount  int           `json:"objective_count"`
}

type MissionDetailResponse struct {
	MissionResponse
	Briefing   string                    `json:"briefing,omitempty"`
	Debrief    string                    `json:"debrief,omitempty"`
	Objectives []domain.Objective        `json:"objectives"`
	ModuleData map[string]map[string]any `json:"module_data,omitempty"`
}

type MissionListResponse struct {
	Locale string            `json:"locale"`
	Items  []MissionResponse `json:"items"`
}

type MissionActionResponse struct {
	MissionID string             `json:"mission_id,omitempty"`
	View      ObjectivesResponse `json:"view"`
}

type ProgressResponse struct {
	ActiveMissionID     string              `json:"active_mission_id,omitempty"`
	CompletedMissionIDs []string            `json:"completed_mission_ids"`
	CompletedTasks      map[string][]string `json:"completed_tasks"`
}

type JournalEntryResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Kind        string          `json:"kind"`
	MissionID   string          `json:"mission_id,omitempty"`
	ObjectiveID string          `json:"objective_id,omitempty"`
	Source      string          `json:"source,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type paginatedJournal struct {
	Items      []JournalEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Collaborator string   `json:"collaborator,omitempty"`
	Roles        []string `json:"roles"`
	Source       string   `json:"source"`
}

func objectivesResponse(v app.View) ObjectivesResponse {
	objectives := v.Objectives
	if objectives == nil {
		objectives = []domain.LiveObjective{}
	}
	return ObjectivesResponse{MissionID: v.MissionID, Objectives: objectives, CanComplete: v.CanComplete}
}

func missionResponse(m app.MissionSummary) MissionResponse {
	return MissionResponse{
		ID:              m.ID,
		Title:           m.Title,
		Summary:         m.Summary,
		Status:          string(m.Status),
		RequiredModules: nonNilSlice(m.RequiredModules),
		Reward:          m.Reward,
		Legacy:          m.Legacy,
		ObjectiveCount:  len(m.Objectives),
	}
}

func missionDetailResponse(m app.MissionSummary) MissionDetailResponse {
	objectives := m.Objectives
	if objectives == nil {
		objectives = []domain.Objective{}
	}
	return MissionDetailResponse{
		MissionResponse: missionResponse(m),
		Briefing:        m.Briefing,
		Debrief:         m.Debrief,
		Objectives:      objectives,
		ModuleData:      m.ModuleData,
	}
}

func progressResponse(p domain.Progress) ProgressResponse {
	return ProgressResponse{
		ActiveMissionID:     p.ActiveMissionID,
		CompletedMissionIDs: nonNilSlice(p.CompletedMissionIDs),
		CompletedTasks:      p.Tasks,
	}
}

func journalEntryResponse(e domain.JournalEntry) JournalEntryResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return JournalEntryResponse{
		ID:          e.ID,
		TS:          e.TS,
		Kind:        e.Kind,
		MissionID:   e.MissionID,
		ObjectiveID: e.ObjectiveID,
		Source:      e.Source,
		Payload:     payload,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
