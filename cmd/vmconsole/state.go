package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	stateDir  = "vmconsole"
	stateFile = "state.json"
)

// sessionState is what the CLI remembers between runs: the cookies the
// server handed out, keyed by server URL. The server keeps each caller's VM
// collection in (or behind) those cookies, so losing them loses the list.
type sessionState struct {
	Servers map[string]map[string]string `json:"servers"`
}

func defaultStatePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, stateDir, stateFile), nil
}

func loadSessionState(path string) (sessionState, error) {
	state := sessionState{Servers: map[string]map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("read state %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return sessionState{}, fmt.Errorf("invalid state file %s: %w", path, err)
	}
	if state.Servers == nil {
		state.Servers = map[string]map[string]string{}
	}
	return state, nil
}

func saveSessionState(path string, state sessionState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// cookies returns the stored cookies for server in name order.
func (s sessionState) cookies(server string) []*http.Cookie {
	stored := s.Servers[serverKey(server)]
	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, &http.Cookie{Name: name, Value: stored[name]})
	}
	return out
}

// remember applies Set-Cookie headers from a response. It reports whether
// anything changed. Deleted or emptied cookies are forgotten.
func (s *sessionState) remember(server string, cookies []*http.Cookie) bool {
	if len(cookies) == 0 {
		return false
	}
	key := serverKey(server)
	stored := s.Servers[key]
	if stored == nil {
		stored = map[string]string{}
		s.Servers[key] = stored
	}
	changed := false
	for _, c := range cookies {
		if c.MaxAge < 0 || c.Value == "" {
			if _, ok := stored[c.Name]; ok {
				delete(stored, c.Name)
				changed = true
			}
			continue
		}
		if stored[c.Name] != c.Value {
			stored[c.Name] = c.Value
			changed = true
		}
	}
	return changed
}

func serverKey(server string) string {
	return strings.TrimRight(strings.TrimSpace(server), "/")
}
