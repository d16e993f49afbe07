package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRoster(t *testing.T) {
	path := writeRoster(t, t.TempDir(), `
participants:
  - id: p1
    team_id: t1
    payment_captured: true
  - id: p2
    payment_captured: false
`)
	r, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	p, err := r.Participant(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, types.Participant{ID: "p1", TeamID: "t1", PaymentCaptured: true}, p)

	_, err = r.Participant(context.Background(), "p9")
	assert.True(t, errors.Is(err, types.ErrParticipantNotFound))
}

func TestLoadRoster_JSON(t *testing.T) {
	path := writeRoster(t, t.TempDir(), `{"participants": [{"id": "p1", "payment_captured": true}]}`)
	r, err := LoadRoster(path)
	require.NoError(t, err)

	p, err := r.Participant(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.PaymentCaptured)
}

func TestLoadRoster_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing id", "participants:\n  - team_id: t1\n"},
		{"duplicate id", "participants:\n  - id: p1\n  - id: p1\n"},
		{"malformed", "participants: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRoster(writeRoster(t, t.TempDir(), tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadRoster(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRosterReloadConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeRoster(t, dir, "participants:\n  - id: p1\n")
	r, err := LoadRoster(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := r.Participant(context.Background(), "p1")
				assert.NoError(t, err)
			}
		}()
	}

	writeRoster(t, dir, "participants:\n  - id: p1\n  - id: p2\n")
	require.NoError(t, r.Reload())
	wg.Wait()

	assert.Equal(t, 2, r.Len())
}

func TestNewRosterHasNoReloadSource(t *testing.T) {
	r := NewRoster(types.Participant{ID: "p1"})
	assert.Error(t, r.Reload())
	assert.Equal(t, 1, r.Len())
}
