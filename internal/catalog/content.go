package catalog

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"missionline/internal/domain"
)

// missionFile is the on-disk shape of one mission. A mission carries either
// an objective graph or a legacy checklist.
type missionFile struct {
	ID              string                    `yaml:"id"`
	Title           string                    `yaml:"title"`
	Summary         string                    `yaml:"summary"`
	Briefing        string                    `yaml:"briefing"`
	Debrief         string                    `yaml:"debrief"`
	RequiredModules []string                  `yaml:"required_modules"`
	ModuleData      map[string]map[string]any `yaml:"module_data"`
	Reward          rewardFile                `yaml:"reward"`
	Objectives      []objectiveFile           `yaml:"objectives"`
	Checklist       []checklistEntry          `yaml:"checklist"`
}

type rewardFile struct {
	Credits    int      `yaml:"credits"`
	Reputation int      `yaml:"reputation"`
	Unlocks    []string `yaml:"unlocks"`
}

type objectiveFile struct {
	ID          string          `yaml:"id"`
	Label       string          `yaml:"label"`
	Description string          `yaml:"description"`
	Dependency  string          `yaml:"dependency"`
	DependsOn   []string        `yaml:"depends_on"`
	Trigger     *domain.Trigger `yaml:"trigger"`
	OnComplete  *effectFile     `yaml:"on_complete"`
}

// effectFile keeps every on_complete key. message and mission_success are
// interpreted; anything else rides along as a flag.
type effectFile struct {
	Message        string
	MissionSuccess bool
	Flags          map[string]any
}

func (e *effectFile) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("on_complete: %w", err)
	}
	for key, value := range raw {
		switch key {
		case "message":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("on_complete.message must be a string")
			}
			e.Message = s
		case "mission_success":
			b, ok := value.(bool)
			if !ok {
				return fmt.Errorf("on_complete.mission_success must be a boolean")
			}
			e.MissionSuccess = b
		default:
			if e.Flags == nil {
				e.Flags = map[string]any{}
			}
			e.Flags[key] = value
		}
	}
	return nil
}

// checklistEntry is a legacy flat checklist item: either a bare label or a
// mapping with an optional id and trigger.
type checklistEntry struct {
	ID          string          `yaml:"id"`
	Label       string          `yaml:"label"`
	Description string          `yaml:"description"`
	Trigger     *domain.Trigger `yaml:"trigger"`
}

func (c *checklistEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Label = strings.TrimSpace(node.Value)
		return nil
	}
	type plain checklistEntry
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = checklistEntry(p)
	return nil
}

// localeFile is a per-locale overlay of mission text keyed by
// "<mission>.<field>" or "<mission>.objectives.<objective>.<field>".
type localeFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

func parseMission(data []byte) (missionFile, error) {
	var m missionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return missionFile{}, err
	}
	return m, nil
}

func parseLocale(data []byte) (localeFile, error) {
	var l localeFile
	if err := yaml.Unmarshal(data, &l); err != nil {
		return localeFile{}, err
	}
	if l.Messages == nil {
		l.Messages = map[string]string{}
	}
	return l, nil
}

// normalize turns either content shape into the canonical mission.
func normalize(m missionFile, text textSource) (domain.Mission, error) {
	if len(m.Objectives) > 0 && len(m.Checklist) > 0 {
		return domain.Mission{}, &ValidationError{Mission: m.ID, Err: ErrMixedShapes}
	}
	mission := domain.Mission{
		ID:              m.ID,
		Title:           text.get(m.ID+".title", m.Title),
		Summary:         text.get(m.ID+".summary", m.Summary),
		Briefing:        text.get(m.ID+".briefing", m.Briefing),
		Debrief:         text.get(m.ID+".debrief", m.Debrief),
		RequiredModules: append([]string{}, m.RequiredModules...),
		ModuleData:      m.ModuleData,
		Reward: domain.Reward{
			Credits:    m.Reward.Credits,
			Reputation: m.Reward.Reputation,
			Unlocks:    m.Reward.Unlocks,
		},
	}
	if len(m.Checklist) > 0 {
		mission.Legacy = true
		for _, entry := range m.Checklist {
			id := strings.TrimSpace(entry.ID)
			if id == "" {
				id = slug(entry.Label)
			}
			mission.Objectives = append(mission.Objectives, domain.Objective{
				ID:          id,
				Label:       text.get(objectiveKey(m.ID, id, "label"), entry.Label),
				Description: text.get(objectiveKey(m.ID, id, "description"), entry.Description),
				Trigger:     entry.Trigger,
			})
		}
		return mission, nil
	}
	for _, o := range m.Objectives {
		obj := domain.Objective{
			ID:          o.ID,
			Label:       text.get(objectiveKey(m.ID, o.ID, "label"), o.Label),
			Description: text.get(objectiveKey(m.ID, o.ID, "description"), o.Description),
			Requires:    requires(o),
			Trigger:     o.Trigger,
		}
		if o.OnComplete != nil {
			obj.OnComplete = &domain.Effect{
				Message:        text.get(objectiveKey(m.ID, o.ID, "message"), o.OnComplete.Message),
				MissionSuccess: o.OnComplete.MissionSuccess,
				Flags:          o.OnComplete.Flags,
			}
		}
		mission.Objectives = append(mission.Objectives, obj)
	}
	return mission, nil
}

func requires(o objectiveFile) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(o.Dependency)
	for _, id := range o.DependsOn {
		add(id)
	}
	return out
}

func objectiveKey(missionID, objectiveID, field string) string {
	return missionID + ".objectives." + objectiveID + "." + field
}

func slug(label string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
