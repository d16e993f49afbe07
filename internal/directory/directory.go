// Package directory serves the read-only participant directory that the
// recorder and the print submission service consult.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/hackops/pkg/types"
	"gopkg.in/yaml.v3"
)

// Directory resolves participants by id.
type Directory interface {
	Participant(ctx context.Context, id string) (types.Participant, error)
}

// Roster is an in-memory directory loaded from a registration export.
// The file is YAML; a JSON export parses the same way.
type Roster struct {
	mu           sync.RWMutex
	path         string
	participants map[string]types.Participant
}

type rosterFile struct {
	Participants []types.Participant `yaml:"participants"`
}

// NewRoster builds a roster from a fixed participant list.
func NewRoster(participants ...types.Participant) *Roster {
	r := &Roster{}
	r.replace(participants)
	return r
}

// LoadRoster reads the roster file at path.
func LoadRoster(path string) (*Roster, error) {
	r := &Roster{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the roster file. Lookups running concurrently see either
// the old or the new roster, never a mix.
func (r *Roster) Reload() error {
	if r.path == "" {
		return fmt.Errorf("reload roster: no file configured")
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read roster: %w", err)
	}
	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse roster %s: %w", r.path, err)
	}
	seen := make(map[string]struct{}, len(f.Participants))
	for i, p := range f.Participants {
		if p.ID == "" {
			return fmt.Errorf("parse roster %s: participant %d has no id", r.path, i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("parse roster %s: duplicate participant %q", r.path, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	r.replace(f.Participants)
	return nil
}

func (r *Roster) replace(participants []types.Participant) {
	m := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		m[p.ID] = p
	}
	r.mu.Lock()
	r.participants = m
	r.mu.Unlock()
}

// Participant implements Directory.
func (r *Roster) Participant(_ context.Context, id string) (types.Participant, error) {
	r.mu.RLock()
	p, ok := r.participants[id]
	r.mu.RUnlock()
	if !ok {
		return types.Participant{}, fmt.Errorf("%w: %s", types.ErrParticipantNotFound, id)
	}
	return p, nil
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}
