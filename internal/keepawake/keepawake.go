// Package keepawake stops the host from sleeping while a print agent runs.
//
// The inhibitor is a scoped resource: Acquire it when the agent starts and
// Release it on every exit path. Release is idempotent.
package keepawake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

var log = slog.Default()

// Modes.
const (
	ModeNone    = "none"
	ModeSystemd = "systemd"
)

// inhibitCommand holds the host awake until it is killed.
var inhibitCommand = []string{
	"systemd-inhibit",
	"--what=sleep:idle",
	"--who=hackops",
	"--why=print agent running",
	"--mode=block",
	"sleep", "infinity",
}

// Handle is a held inhibitor.
type Handle struct {
	mode string
	cmd  *exec.Cmd
	done chan struct{}

	once sync.Once
	err  error
}

// Acquire starts an inhibitor of the given mode. The inhibitor also ends
// when ctx is cancelled.
func Acquire(ctx context.Context, mode string) (*Handle, error) {
	h := &Handle{mode: mode, done: make(chan struct{})}

	switch mode {
	case ModeNone, "":
		close(h.done)
		return h, nil
	case ModeSystemd:
	default:
		return nil, fmt.Errorf("unknown keep-awake mode %q", mode)
	}

	cmd := exec.CommandContext(ctx, inhibitCommand[0], inhibitCommand[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inhibitCommand[0], err)
	}
	h.cmd = cmd
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()

	log.Info("Keep-awake acquired", "mode", mode, "pid", cmd.Process.Pid)
	return h, nil
}

// Done is closed once the inhibitor is no longer held.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Release drops the inhibitor. Calls after the first return the first
// result. A nil Handle is a no-op.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.cmd == nil {
			return
		}
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.err = fmt.Errorf("release keep-awake: %w", err)
		}
		<-h.done
		log.Info("Keep-awake released", "mode", h.mode)
	})
	return h.err
}
