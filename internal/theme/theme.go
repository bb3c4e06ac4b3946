// Package theme manages the dashboard color palettes and the
// persisted theme choice.
package theme

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Built-in theme names.
const (
	DeepSea = "deepsea"
	Bitcoin = "bitcoin"
)

const storeKey = "theme"

// Palette is a named set of CSS variables.
type Palette struct {
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
}

var palettes = map[string]Palette{
	DeepSea: {
		Name: DeepSea,
		Variables: map[string]string{
			"--primary-color":    "#0088cc",
			"--accent-color":     "#00ffff",
			"--bg-color":         "#0a0f14",
			"--card-bg":          "#101820",
			"--text-color":       "#e0f2fa",
			"--muted-color":      "#5a7a8a",
			"--green-color":      "#32cd32",
			"--red-color":        "#ff5555",
			"--warning-color":    "#ffd700",
			"--border-color":     "#1c2a35",
			"--chart-line-color": "#00b7ff",
		},
	},
	Bitcoin: {
		Name: Bitcoin,
		Variables: map[string]string{
			"--primary-color":    "#f2a900",
			"--accent-color":     "#ffb81c",
			"--bg-color":         "#140f0a",
			"--card-bg":          "#201810",
			"--text-color":       "#faf2e0",
			"--muted-color":      "#8a7a5a",
			"--green-color":      "#32cd32",
			"--red-color":        "#ff5555",
			"--warning-color":    "#ffd700",
			"--border-color":     "#352a1c",
			"--chart-line-color": "#ffb81c",
		},
	},
}

// Store persists the theme choice.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Manager serves palettes and remembers the active one.
type Manager struct {
	store Store

	mu     sync.Mutex
	active string
}

// State is the API payload for theme queries and toggles. Reload tells
// clients to hard-reload so every chart and style picks up the new
// palette.
type State struct {
	Theme   string  `json:"theme"`
	Palette Palette `json:"palette"`
	CSS     string  `json:"css"`
	Reload  bool    `json:"reload"`
}

// NewManager restores the persisted choice, defaulting to defaultName
// (or deepsea) on a fresh or unreadable store.
func NewManager(store Store, defaultName string) *Manager {
	if _, ok := palettes[defaultName]; !ok {
		defaultName = DeepSea
	}
	m := &Manager{store: store, active: defaultName}
	if store != nil {
		saved, ok, err := store.Get(storeKey)
		if err != nil {
			logrus.WithError(err).Warn("failed to restore theme, using default")
		} else if ok {
			if _, known := palettes[saved]; known {
				m.active = saved
			}
		}
	}
	return m
}

// Active returns the current theme state.
func (m *Manager) Active() State {
	m.mu.Lock()
	name := m.active
	m.mu.Unlock()
	return m.stateFor(name, false)
}

// Set activates the named theme and persists the choice. Unknown
// names are rejected.
func (m *Manager) Set(name string) (State, error) {
	if _, ok := palettes[name]; !ok {
		return State{}, fmt.Errorf("unknown theme %q", name)
	}
	m.mu.Lock()
	m.active = name
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Set(storeKey, name); err != nil {
			logrus.WithError(err).Warn("failed to persist theme choice")
		}
	}
	return m.stateFor(name, true), nil
}

// Toggle flips between the two built-in themes.
func (m *Manager) Toggle() State {
	m.mu.Lock()
	next := DeepSea
	if m.active == DeepSea {
		next = Bitcoin
	}
	m.mu.Unlock()
	st, _ := m.Set(next)
	return st
}

// Names lists the available themes.
func Names() []string {
	out := make([]string, 0, len(palettes))
	for name := range palettes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) stateFor(name string, reload bool) State {
	p := palettes[name]
	return State{Theme: name, Palette: p, CSS: css(p), Reload: reload}
}

// css renders the palette as a :root variable block.
func css(p Palette) string {
	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(":root {\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s;\n", k, p.Variables[k])
	}
	b.WriteString("}\n")
	return b.String()
}
