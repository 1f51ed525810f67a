// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package statestore persists the last successfully applied desired state.
// The on-disk record carries the full snapshot and settings bodies so a
// device can relaunch after reboot without reaching the platform.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/util/log"
)

const stateFileName = "flowforge-project.json"

// State is the persisted tuple. A nil Snapshot/Settings/Project means none
// is assigned. Mode is empty until the platform has expressed one.
type State struct {
	Project  *string       `json:"project"`
	Snapshot *api.Snapshot `json:"snapshot"`
	Settings *api.Settings `json:"settings"`
	Mode     string        `json:"mode,omitempty"`
}

// SnapshotID returns the applied snapshot identity, or nil.
func (st *State) SnapshotID() *string {
	if st == nil || st.Snapshot == nil {
		return nil
	}
	return &st.Snapshot.ID
}

// SettingsHash returns the applied settings identity, or nil.
func (st *State) SettingsHash() *string {
	if st == nil || st.Settings == nil {
		return nil
	}
	return &st.Settings.Hash
}

// A Store owns the desired-state file in the agent data directory.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store writing under dir.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, stateFileName)}
}

// Path returns the absolute path of the state file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted state. A missing, unreadable or corrupt file is
// not an error: the agent must always be able to start, so those cases log
// and return an empty state. Legacy single-snapshot files are migrated
// transparently.
func (s *Store) Load() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Could not read state file %s: %v", s.path, err) //nolint:errcheck
		}
		return &State{}
	}

	st, err := unmarshalState(raw)
	if err != nil {
		log.Warnf("Ignoring corrupt state file %s: %v", s.path, err) //nolint:errcheck
		return &State{}
	}
	return st
}

// unmarshalState sniffs the file layout before decoding. The legacy layout
// is the snapshot body itself, marked by a top-level "id" field, with the
// device settings nested under "device".
func unmarshalState(raw []byte) (*State, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	if _, legacy := probe["id"]; legacy {
		return migrateLegacy(raw)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func migrateLegacy(raw []byte) (*State, error) {
	var legacy struct {
		api.Snapshot
		Device *api.Settings `json:"device"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	return &State{
		Project:  nil,
		Snapshot: &legacy.Snapshot,
		Settings: legacy.Device,
		Mode:     "",
	}, nil
}

// Save writes the state atomically: the new content lands in a temp file in
// the same directory and replaces the old file with a rename.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(s.path), stateFileName+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), s.path)
}

// Clear removes the state file. A missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
