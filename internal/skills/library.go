package skills

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/marubot/maru/internal/observability"
)

// Library holds the skills discovered under one directory. Reload scans
// from scratch; invalid skill files are skipped with a warning.
type Library struct {
	dir    string
	logger *observability.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewLibrary creates an empty library rooted at dir. The directory does
// not need to exist yet.
func NewLibrary(dir string, logger *observability.Logger) *Library {
	return &Library{dir: dir, logger: logger, skills: make(map[string]*Skill)}
}

// Reload rescans the skills directory and returns the number of skills
// loaded. A missing directory yields an empty library, not an error.
func (l *Library) Reload(ctx context.Context) (int, error) {
	loaded := make(map[string]*Skill)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.skills = loaded
			l.mu.Unlock()
			return 0, nil
		}
		return 0, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		skill, err := ParseFile(path)
		if err != nil {
			l.logger.Warn(ctx, "skipping invalid skill", "path", path, "error", err)
			continue
		}
		loaded[skill.Name] = skill
	}

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	return len(loaded), nil
}

// Get returns a skill by name.
func (l *Library) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// List returns all skills sorted by name.
func (l *Library) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prompt renders a catalogue block for the agent system prompt, one
// line per skill. Empty when no skills are loaded.
func (l *Library) Prompt() string {
	skills := l.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, s := range skills {
		b.WriteString("- ")
		b.WriteString(s.Name)
		b.WriteString(": ")
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
