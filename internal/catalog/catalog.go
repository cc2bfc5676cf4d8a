// Package catalog loads mission definitions and their localized text from a
// content tree and validates them at load time.
//
// Layout of the content tree:
//
//	missions/*.yaml                  one mission per file, base text inline
//	locales/<tag>/missions.yaml      flat overlay of translated text
//
// A rejected mission never reaches the engine.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"missionline/internal/domain"
)

//go:embed content
var embedded embed.FS

const DefaultLocale = "en"

// DefaultModules are the console modules content may declare as required.
var DefaultModules = []string{"terminal", "map", "satellite", "intrusion", "surveillance", "directory"}

var (
	ErrMissingID         = errors.New("missing id")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrMixedShapes       = errors.New("objectives and checklist are mutually exclusive")
	ErrInvalidTrigger    = errors.New("trigger has no event")
	ErrUnknownModule     = errors.New("unknown required module")
	ErrUnsupportedLocale = errors.New("unsupported locale")
)

// ValidationError pins a content problem to a mission and, when relevant, an
// objective.
type ValidationError struct {
	Mission   string
	Objective string
	Err       error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Mission == "":
		return e.Err.Error()
	case e.Objective == "":
		return fmt.Sprintf("mission %s: %v", e.Mission, e.Err)
	default:
		return fmt.Sprintf("mission %s objective %s: %v", e.Mission, e.Objective, e.Err)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Embedded returns the mission content compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "content")
	if err != nil {
		panic(err)
	}
	return sub
}

type Options struct {
	DefaultLocale string
	KnownModules  []string
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.DefaultLocale) == "" {
		o.DefaultLocale = DefaultLocale
	}
	if len(o.KnownModules) == 0 {
		o.KnownModules = DefaultModules
	}
	return o
}

// Catalog is the loaded mission set for one locale. Missions it hands out are
// shared and must be treated as read-only.
type Catalog struct {
	mu       sync.RWMutex
	src      fs.FS
	opts     Options
	locale   string
	missions []domain.Mission
	index    map[string]int
}

func New(src fs.FS, opts Options) *Catalog {
	return &Catalog{src: src, opts: opts.withDefaults(), index: map[string]int{}}
}

// Load (re)reads the content for locale, replacing the current set only when
// everything validates. An empty locale selects the default.
func (c *Catalog) Load(locale string) error {
	missions, resolved, err := load(c.src, locale, c.opts)
	if err != nil {
		return err
	}
	index := make(map[string]int, len(missions))
	for i, m := range missions {
		index[m.ID] = i
	}
	c.mu.Lock()
	c.locale = resolved
	c.missions = missions
	c.index = index
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Missions() []domain.Mission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Mission(nil), c.missions...)
}

func (c *Catalog) Get(id string) (domain.Mission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return domain.Mission{}, false
	}
	return c.missions[i], true
}

// Locale is the locale the current set was resolved to.
func (c *Catalog) Locale() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locale
}

// Locales lists the locales the content tree offers, default first.
func (c *Catalog) Locales() ([]string, error) {
	return Locales(c.src, c.opts)
}

// LoadMissions reads and validates every mission in src, with text resolved
// for locale.
func LoadMissions(src fs.FS, locale string, opts Options) ([]domain.Mission, error) {
	missions, _, err := load(src, locale, opts.withDefaults())
	return missions, err
}

func Locales(src fs.FS, opts Options) ([]string, error) {
	opts = opts.withDefaults()
	out := []string{opts.DefaultLocale}
	entries, err := fs.ReadDir(src, "locales")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == opts.DefaultLocale {
			continue
		}
		if _, err := fs.Stat(src, path.Join("locales", e.Name(), "missions.yaml")); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// MatchLocale picks the closest offered locale for requested, falling back to
// the first offered one.
func MatchLocale(offered []string, requested string) (string, error) {
	if len(offered) == 0 {
		return "", ErrUnsupportedLocale
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return offered[0], nil
	}
	want, err := language.Parse(requested)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLocale, requested)
	}
	tags := make([]language.Tag, 0, len(offered))
	for _, o := range offered {
		tags = append(tags, language.Make(o))
	}
	_, idx, conf := language.NewMatcher(tags).Match(want)
	if conf == language.No {
		return offered[0], nil
	}
	return offered[idx], nil
}

// textSource resolves overlay keys: requested locale, then default locale,
// then the inline base text.
type textSource struct {
	layers []map[string]string
}

func (t textSource) get(key, base string) string {
	for _, layer := range t.layers {
		if v, ok := layer[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return base
}

func load(src fs.FS, locale string, opts Options) ([]domain.Mission, string, error) {
	offered, err := Locales(src, opts)
	if err != nil {
		return nil, "", fmt.Errorf("list locales: %w", err)
	}
	resolved, err := MatchLocale(offered, locale)
	if err != nil {
		return nil, "", err
	}
	var text textSource
	for _, tag := range uniq(resolved, opts.DefaultLocale) {
		overlay, err := readOverlay(src, tag)
		if err != nil {
			return nil, "", err
		}
		if overlay != nil {
			text.layers = append(text.layers, overlay)
		}
	}

	files, err := fs.Glob(src, "missions/*.yaml")
	if err != nil {
		return nil, "", err
	}
	sort.Strings(files)
	missions := make([]domain.Mission, 0, len(files))
	seen := map[string]string{}
	for _, file := range files {
		data, err := fs.ReadFile(src, file)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", file, err)
		}
		raw, err := parseMission(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", file, err)
		}
		m, err := normalize(raw, text)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", file, err)
		}
		if prev, dup := seen[m.ID]; dup {
			return nil, "", fmt.Errorf("%s: %w", file, &ValidationError{Mission: m.ID, Err: fmt.Errorf("%w (also in %s)", ErrDuplicateID, prev)})
		}
		if err := Validate(m, opts.KnownModules); err != nil {
			return nil, "", fmt.Errorf("%s: %w", file, err)
		}
		seen[m.ID] = file
		missions = append(missions, m)
	}
	return missions, resolved, nil
}

func readOverlay(src fs.FS, tag string) (map[string]string, error) {
	file := path.Join("locales", tag, "missions.yaml")
	data, err := fs.ReadFile(src, file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	l, err := parseLocale(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if l.Locale != "" && l.Locale != tag {
		return nil, fmt.Errorf("%s declares locale %q", file, l.Locale)
	}
	return l.Messages, nil
}

// Validate checks one normalized mission: ids present and unique, every
// dependency known, the dependency graph acyclic, triggers well-formed and
// required modules known.
func Validate(m domain.Mission, knownModules []string) error {
	if strings.TrimSpace(m.ID) == "" {
		return &ValidationError{Err: ErrMissingID}
	}
	known := map[string]bool{}
	for _, name := range knownModules {
		known[name] = true
	}
	for _, name := range m.RequiredModules {
		if !known[name] {
			return &ValidationError{Mission: m.ID, Err: fmt.Errorf("%w: %s", ErrUnknownModule, name)}
		}
	}
	ids := map[string]bool{}
	for _, o := range m.Objectives {
		if strings.TrimSpace(o.ID) == "" {
			return &ValidationError{Mission: m.ID, Err: ErrMissingID}
		}
		if ids[o.ID] {
			return &ValidationError{Mission: m.ID, Objective: o.ID, Err: ErrDuplicateID}
		}
		ids[o.ID] = true
		if o.Trigger != nil && strings.TrimSpace(o.Trigger.Event) == "" {
			return &ValidationError{Mission: m.ID, Objective: o.ID, Err: ErrInvalidTrigger}
		}
	}
	for _, o := range m.Objectives {
		for _, req := range o.Requires {
			if !ids[req] {
				return &ValidationError{Mission: m.ID, Objective: o.ID, Err: fmt.Errorf("%w: %s", ErrUnknownDependency, req)}
			}
		}
	}
	if stuck := topoSort(m.Objectives); len(stuck) > 0 {
		return &ValidationError{Mission: m.ID, Objective: stuck[0], Err: ErrCycle}
	}
	return nil
}

// topoSort runs Kahn's algorithm over the requires edges and returns the ids
// left unprocessed, which all sit on or behind a cycle.
func topoSort(objectives []domain.Objective) []string {
	inDegree := make(map[string]int, len(objectives))
	dependents := map[string][]string{}
	for _, o := range objectives {
		inDegree[o.ID] = len(o.Requires)
		for _, req := range o.Requires {
			dependents[req] = append(dependents[req], o.ID)
		}
	}
	var queue []string
	for _, o := range objectives {
		if inDegree[o.ID] == 0 {
			queue = append(queue, o.ID)
		}
	}
	processed := map[string]bool{}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		processed[curr] = true
		for _, dep := range dependents[curr] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	var stuck []string
	for _, o := range objectives {
		if !processed[o.ID] {
			stuck = append(stuck, o.ID)
		}
	}
	return stuck
}

func uniq(values ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
