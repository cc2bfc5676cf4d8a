package catalog

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/domain"
)

const m1 = `
id: M1
title: Mission One
required_modules: [terminal, satellite]
objectives:
  - id: A
    label: Read the file
    trigger: {event: OPEN_FILE, target: secret.txt}
  - id: B
    label: Jam the satellite
    dependency: A
    trigger: {event: JAM, target: SAT-1}
    on_complete:
      mission_success: true
      message: done
      shake: 3
`

func contentFS(files map[string]string) fstest.MapFS {
	out := fstest.MapFS{}
	for name, body := range files {
		out[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return out
}

func TestLoadMissionsNormalizesObjectiveGraph(t *testing.T) {
	missions, err := LoadMissions(contentFS(map[string]string{"missions/m1.yaml": m1}), "", Options{})
	require.NoError(t, err)
	require.Len(t, missions, 1)

	m := missions[0]
	assert.Equal(t, "M1", m.ID)
	assert.False(t, m.Legacy)
	require.Len(t, m.Objectives, 2)
	assert.Empty(t, m.Objectives[0].Requires)
	assert.Equal(t, []string{"A"}, m.Objectives[1].Requires)
	assert.Equal(t, &domain.Trigger{Event: "JAM", Target: "SAT-1"}, m.Objectives[1].Trigger)

	effect := m.Objectives[1].OnComplete
	require.NotNil(t, effect)
	assert.True(t, effect.MissionSuccess)
	assert.Equal(t, "done", effect.Message)
	assert.Equal(t, map[string]any{"shake": 3}, effect.Flags)
}

func TestLoadMissionsMergesDependencyForms(t *testing.T) {
	src := contentFS(map[string]string{"missions/m.yaml": `
id: M
title: Merge
objectives:
  - {id: A, label: a}
  - {id: B, label: b}
  - id: C
    label: c
    dependency: A
    depends_on: [B, A]
`})
	missions, err := LoadMissions(src, "", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, missions[0].Objectives[2].Requires)
}

func TestLoadMissionsNormalizesLegacyChecklist(t *testing.T) {
	src := contentFS(map[string]string{"missions/legacy.yaml": `
id: L
title: Legacy
checklist:
  - Delete the shell history
  - id: wipe
    label: Wipe logs
    trigger: {event: DELETE_FILE, target: auth.log}
`})
	missions, err := LoadMissions(src, "", Options{})
	require.NoError(t, err)

	m := missions[0]
	assert.True(t, m.Legacy)
	require.Len(t, m.Objectives, 2)
	assert.Equal(t, "delete-the-shell-history", m.Objectives[0].ID)
	assert.Equal(t, "Delete the shell history", m.Objectives[0].Label)
	assert.Nil(t, m.Objectives[0].Trigger)
	assert.Equal(t, "wipe", m.Objectives[1].ID)
	for _, o := range m.Objectives {
		assert.Empty(t, o.Requires)
	}
}

func TestLocaleOverlayFallsBackToDefaultThenInline(t *testing.T) {
	src := contentFS(map[string]string{
		"missions/m1.yaml": m1,
		"locales/en/missions.yaml": `
locale: en
messages:
  M1.summary: Default summary
`,
		"locales/es/missions.yaml": `
locale: es
messages:
  M1.title: Misión Uno
  M1.objectives.B.message: hecho
`,
	})

	missions, err := LoadMissions(src, "es-MX", Options{})
	require.NoError(t, err)
	m := missions[0]
	assert.Equal(t, "Misión Uno", m.Title)
	assert.Equal(t, "Default summary", m.Summary)
	assert.Equal(t, "Read the file", m.Objectives[0].Label)
	assert.Equal(t, "hecho", m.Objectives[1].OnComplete.Message)

	missions, err = LoadMissions(src, "fr", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Mission One", missions[0].Title)
}

func TestCatalogLoadReplacesWholesale(t *testing.T) {
	src := contentFS(map[string]string{
		"missions/m1.yaml":         m1,
		"locales/es/missions.yaml": "locale: es\nmessages:\n  M1.title: Misión Uno\n",
	})
	c := New(src, Options{})
	require.NoError(t, c.Load("en"))
	assert.Equal(t, "en", c.Locale())
	m, ok := c.Get("M1")
	require.True(t, ok)
	assert.Equal(t, "Mission One", m.Title)

	require.NoError(t, c.Load("es"))
	assert.Equal(t, "es", c.Locale())
	m, _ = c.Get("M1")
	assert.Equal(t, "Misión Uno", m.Title)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	locales, err := c.Locales()
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "es"}, locales)
}

func TestCatalogKeepsPreviousSetWhenReloadFails(t *testing.T) {
	src := contentFS(map[string]string{"missions/m1.yaml": m1})
	c := New(src, Options{})
	require.NoError(t, c.Load(""))

	src["missions/broken.yaml"] = &fstest.MapFile{Data: []byte("id: [")}
	require.Error(t, c.Load(""))
	assert.Len(t, c.Missions(), 1)
}

func TestValidationRejectsBrokenContent(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"cycle", `
id: C
title: c
objectives:
  - {id: A, label: a, dependency: B}
  - {id: B, label: b, dependency: A}
`, ErrCycle},
		{"unknown dependency", `
id: U
title: u
objectives:
  - {id: A, label: a, dependency: ghost}
`, ErrUnknownDependency},
		{"duplicate objective", `
id: D
title: d
objectives:
  - {id: A, label: a}
  - {id: A, label: again}
`, ErrDuplicateID},
		{"mixed shapes", `
id: X
title: x
objectives:
  - {id: A, label: a}
checklist:
  - b
`, ErrMixedShapes},
		{"empty trigger", `
id: T
title: t
objectives:
  - id: A
    label: a
    trigger: {target: x}
`, ErrInvalidTrigger},
		{"unknown module", `
id: K
title: k
required_modules: [hologram]
objectives:
  - {id: A, label: a}
`, ErrUnknownModule},
		{"missing id", `
title: nameless
objectives:
  - {id: A, label: a}
`, ErrMissingID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadMissions(contentFS(map[string]string{"missions/m.yaml": tc.body}), "", Options{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestValidationRejectsDuplicateMissionIDs(t *testing.T) {
	src := contentFS(map[string]string{
		"missions/a.yaml": m1,
		"missions/b.yaml": m1,
	})
	_, err := LoadMissions(src, "", Options{})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCycleErrorNamesObjective(t *testing.T) {
	m := domain.Mission{ID: "C", Objectives: []domain.Objective{
		{ID: "root"},
		{ID: "A", Requires: []string{"B"}},
		{ID: "B", Requires: []string{"A"}},
	}}
	err := Validate(m, DefaultModules)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "A", verr.Objective)
	assert.Equal(t, "mission C objective A: dependency cycle", err.Error())
}

func TestMatchLocale(t *testing.T) {
	offered := []string{"en", "es"}
	for requested, want := range map[string]string{
		"":      "en",
		"es":    "es",
		"es-AR": "es",
		"en-GB": "en",
		"de":    "en",
	} {
		got, err := MatchLocale(offered, requested)
		require.NoError(t, err, requested)
		assert.Equal(t, want, got, requested)
	}
	_, err := MatchLocale(offered, "!!")
	assert.ErrorIs(t, err, ErrUnsupportedLocale)
}

func TestEmbeddedContentValidates(t *testing.T) {
	for _, locale := range []string{"en", "es"} {
		missions, err := LoadMissions(Embedded(), locale, Options{})
		require.NoError(t, err, locale)
		require.NotEmpty(t, missions)
	}
	missions, err := LoadMissions(Embedded(), "es", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Primer contacto", missions[0].Title)
}
