package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/treetodo/treetodo/internal/config"
)

// savedSession is the cookie session of one collaboration.
type savedSession struct {
	Server  string `yaml:"server"`
	Session string `yaml:"session"`
}

// sessionFile remembers joined collaborations between invocations.
type sessionFile struct {
	Current        string                  `yaml:"current,omitempty"`
	Collaborations map[string]savedSession `yaml:"collaborations,omitempty"`
}

func sessionPath() string {
	return filepath.Join(config.Dir(), "sessions.yaml")
}

func loadSessions(path string) (*sessionFile, error) {
	f := &sessionFile{Collaborations: map[string]savedSession{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if f.Collaborations == nil {
		f.Collaborations = map[string]savedSession{}
	}
	return f, nil
}

func (f *sessionFile) save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	return nil
}

// remember stores the session of collaboration and makes it current.
func (f *sessionFile) remember(collaboration, server, sid string) {
	f.Collaborations[collaboration] = savedSession{Server: server, Session: sid}
	f.Current = collaboration
}

// forget drops collaboration.
func (f *sessionFile) forget(collaboration string) {
	delete(f.Collaborations, collaboration)
	if f.Current == collaboration {
		f.Current = ""
	}
}

// resolve picks the named collaboration, or the current one when name is "".
func (f *sessionFile) resolve(name string) (string, savedSession, error) {
	if name == "" {
		name = f.Current
	}
	if name == "" {
		return "", savedSession{}, errors.New("no collaboration selected (join one or pass --collab)")
	}
	s, ok := f.Collaborations[name]
	if !ok {
		return "", savedSession{}, fmt.Errorf("not a member of %q (run 'treetodo collab join %s')", name, name)
	}
	return name, s, nil
}
