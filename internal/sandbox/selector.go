package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Settings is the slice of the store the selector reads.
type Settings interface {
	Setting(key string) (string, error)
}

// fallbackChain is walked when the selected engine's binary is absent.
var fallbackChain = []string{EngineContainer, EngineVibe, EngineTart, EngineDocker}

// Selector resolves (engine, agent CLI) per workspace. Resolution order per
// axis: group config, settings row, environment, default. Re-resolved at the
// start of every run so a settings change applies without restart.
type Selector struct {
	settings      Settings
	engines       map[string]Engine
	defaultEngine string
	defaultCLI    string
	getenv        func(string) string

	mu   sync.Mutex
	last map[string]string // folder -> "engine/cli", for change logging
}

// NewSelector builds a selector over the given engines.
func NewSelector(settings Settings, engines []Engine, defaultEngine, defaultCLI string) *Selector {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Selector{
		settings:      settings,
		engines:       m,
		defaultEngine: defaultEngine,
		defaultCLI:    defaultCLI,
		getenv:        os.Getenv,
		last:          make(map[string]string),
	}
}

// Resolve picks the engine and agent CLI for a workspace. group may be nil
// (scheduled task for a folder with no stored config).
func (s *Selector) Resolve(group *store.RegisteredGroup, privileged bool) (Engine, string, error) {
	var cfg *store.GroupConfig
	folder := ""
	if group != nil {
		cfg = group.Config
		folder = group.Folder
	}

	name, fromGroup := s.resolveEngineName(cfg)
	if name == EngineCLI && !privileged && !fromGroup {
		return nil, "", fmt.Errorf("engine cli is restricted to the privileged workspace unless set in group config")
	}

	engine, err := s.pickAvailable(name)
	if err != nil {
		return nil, "", err
	}

	cli := s.resolveAgentCLI(cfg)

	s.logSelection(folder, engine.Name(), cli)
	return engine, cli, nil
}

func (s *Selector) resolveEngineName(cfg *store.GroupConfig) (name string, fromGroup bool) {
	if cfg != nil && cfg.Engine != "" && cfg.Engine != "auto" {
		return cfg.Engine, true
	}
	if v, err := s.settings.Setting(store.SettingContainerRuntime); err == nil && v != "" && v != "auto" {
		return v, false
	}
	if v := s.getenv("NANOCLAW_CONTAINER_RUNTIME"); v != "" && v != "auto" {
		return v, false
	}
	return s.defaultEngine, false
}

func (s *Selector) resolveAgentCLI(cfg *store.GroupConfig) string {
	if cfg != nil && cfg.AgentCLI != "" {
		return cfg.AgentCLI
	}
	if v, err := s.settings.Setting(store.SettingAgentRuntime); err == nil && v != "" {
		return v
	}
	if v := s.getenv("NANOCLAW_AGENT_RUNTIME"); v != "" {
		return v
	}
	return s.defaultCLI
}

// pickAvailable returns the named engine if its runtime is present, else the
// first available engine in the fallback chain.
func (s *Selector) pickAvailable(name string) (Engine, error) {
	if e, ok := s.engines[name]; ok && e.Available() {
		return e, nil
	}
	for _, fallback := range fallbackChain {
		if fallback == name {
			continue
		}
		if e, ok := s.engines[fallback]; ok && e.Available() {
			slog.Warn("selected engine unavailable, falling back", "selected", name, "using", fallback)
			return e, nil
		}
	}
	return nil, fmt.Errorf("no sandbox engine available (wanted %s)", name)
}

func (s *Selector) logSelection(folder, engine, cli string) {
	key := engine + "/" + cli
	s.mu.Lock()
	changed := s.last[folder] != key
	s.last[folder] = key
	s.mu.Unlock()
	if changed {
		slog.Info("runtime selected", "folder", folder, "engine", engine, "agent_cli", cli)
	}
}
