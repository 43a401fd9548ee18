package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"finger/internal/errors"
	"finger/internal/logging"
)

// AgentSpec declares one agent a module contributes. SystemPrompt seeds the
// kernel agent bound to the target id.
type AgentSpec struct {
	ID           string `json:"id"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// ModuleManifest is the *.module.json shape dropped into the autostart
// directory or posted to /api/v1/modules/register.
type ModuleManifest struct {
	Name    string      `json:"name"`
	Version string      `json:"version,omitempty"`
	Entry   string      `json:"entry,omitempty"`
	Agents  []AgentSpec `json:"agents,omitempty"`
}

// LoadManifest reads and validates a *.module.json file.
func LoadManifest(path string) (ModuleManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ModuleManifest{}, err
	}
	var m ModuleManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ModuleManifest{}, errors.Wrap(errors.KindValidation, err, "parse %s", filepath.Base(path))
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), ".module.json")
	}
	return m, nil
}

// ScriptManifest wraps a bare *.js entry script as a single-agent module
// named after the file.
func ScriptManifest(path string) ModuleManifest {
	name := strings.TrimSuffix(filepath.Base(path), ".js")
	return ModuleManifest{
		Name:   name,
		Entry:  path,
		Agents: []AgentSpec{{ID: name + "-agent"}},
	}
}

// registeredModule is the registry's view of a manifest.
type registeredModule struct {
	ModuleManifest
	RegisteredAt time.Time `json:"registeredAt"`
}

// moduleRegistry tracks registered modules by name. Re-registration replaces
// the previous manifest so manifest edits picked up by the watcher apply.
type moduleRegistry struct {
	mu      sync.RWMutex
	modules map[string]registeredModule
	logger  logging.Logger
}

func newModuleRegistry(logger logging.Logger) *moduleRegistry {
	return &moduleRegistry{
		modules: map[string]registeredModule{},
		logger:  logging.OrNop(logger),
	}
}

func (r *moduleRegistry) Register(m ModuleManifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.Validation("module manifest requires a name")
	}
	for _, agent := range m.Agents {
		if strings.TrimSpace(agent.ID) == "" {
			return errors.Validation("module %s declares an agent without an id", m.Name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.modules[m.Name]; ok {
		r.logger.Debug("module %s re-registered (was v%s)", m.Name, prev.Version)
	}
	r.modules[m.Name] = registeredModule{ModuleManifest: m, RegisteredAt: time.Now().UTC()}
	return nil
}

func (r *moduleRegistry) List() []registeredModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]registeredModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
