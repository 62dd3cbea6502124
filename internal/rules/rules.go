package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SecurityMode controls what commands may run without a human.
type SecurityMode string

const (
	SecurityDeny      SecurityMode = "deny"
	SecurityAllowlist SecurityMode = "allowlist"
	SecurityFull      SecurityMode = "full"
)

// AskMode controls when a human approval is requested.
type AskMode string

const (
	AskOff    AskMode = "off"
	AskOnMiss AskMode = "on-miss"
	AskAlways AskMode = "always"
)

// AgentRules are the effective gate settings for one agent.
type AgentRules struct {
	Security SecurityMode `json:"security,omitempty"`
	Ask      AskMode      `json:"ask,omitempty"`
}

// File is the on-disk rules document. The "*" agent entry applies to
// every agent before its own entry.
type File struct {
	Version  int                   `json:"version"`
	Defaults AgentRules            `json:"defaults,omitempty"`
	SafeBins []string              `json:"safe_bins,omitempty"`
	Agents   map[string]AgentRules `json:"agents,omitempty"`
}

// defaultSafeBins may run without allowlist when used stdin-only.
var defaultSafeBins = []string{"jq", "grep", "cut", "sort", "uniq", "head", "tail", "tr", "wc"}

// Manager holds the current rules and supports hot reload.
type Manager struct {
	path string
	mu   sync.RWMutex
	file File
}

// NewManager loads the rules file at path. A missing file yields the
// built-in defaults; a malformed one is an error.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the rules file, replacing the current document
// atomically. Keeps the old rules on read or parse failure.
func (m *Manager) Reload() error {
	file, err := load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.file = file
	m.mu.Unlock()

	log.Info().Str("path", m.path).Int("agents", len(file.Agents)).Msg("gate rules loaded")
	return nil
}

func load(path string) (File, error) {
	file := File{Version: 1}
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return file, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read rules: %w", err)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("parse rules: %w", err)
	}
	if file.Version != 1 {
		return File{}, fmt.Errorf("unsupported rules version %d", file.Version)
	}
	return file, nil
}

// Resolve returns the effective settings for an agent: built-in
// defaults, overridden by the file defaults, the wildcard entry, then
// the agent's own entry.
func (m *Manager) Resolve(agentID string) AgentRules {
	if agentID == "" {
		agentID = "default"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := AgentRules{Security: SecurityDeny, Ask: AskOnMiss}
	overlay(&effective, m.file.Defaults)
	if wildcard, ok := m.file.Agents["*"]; ok {
		overlay(&effective, wildcard)
	}
	if specific, ok := m.file.Agents[agentID]; ok {
		overlay(&effective, specific)
	}
	return effective
}

// SafeBins returns the normalized safe-binary name set.
func (m *Manager) SafeBins() map[string]bool {
	m.mu.RLock()
	names := m.file.SafeBins
	m.mu.RUnlock()

	if len(names) == 0 {
		names = defaultSafeBins
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func overlay(dst *AgentRules, src AgentRules) {
	if src.Security != "" {
		dst.Security = src.Security
	}
	if src.Ask != "" {
		dst.Ask = src.Ask
	}
}
