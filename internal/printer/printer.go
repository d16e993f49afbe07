// ============================================================================
// hackops printer drivers
// ============================================================================
//
// Package: internal/printer
// File: printer.go
// Purpose: The device side of a print attempt. An agent hands a driver one
// photo reference under a context that carries the print timeout.
//
// Drivers:
//   CommandDriver  runs a spool command (lp, lpr, a vendor CLI)
//   SimDriver      random delay and failure rate, for demos and load tests
//   DriverFunc     adapter for tests
//
// A driver must return once ctx is done; the agent counts that as a failed
// attempt.
//
// ============================================================================

package printer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Driver names accepted in configuration.
const (
	DriverCommand = "command"
	DriverSim     = "sim"
)

// commandWaitDelay bounds how long Print waits for the spool command's output
// pipes to close after ctx kills it. A child that forks a daemon holding
// stdout would otherwise keep Print blocked past the deadline.
const commandWaitDelay = 500 * time.Millisecond

// ErrSimulatedFailure is returned by SimDriver for an injected failure.
var ErrSimulatedFailure = errors.New("simulated print failure")

// Driver prints one photo.
type Driver interface {
	Print(ctx context.Context, photoReference string) error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, photoReference string) error

// Print implements Driver.
func (f DriverFunc) Print(ctx context.Context, photoReference string) error {
	return f(ctx, photoReference)
}

// CommandDriver runs an external command per print. Every {file} in the
// template is replaced by the photo's path under PhotoRoot.
type CommandDriver struct {
	Template  []string
	PhotoRoot string
}

// NewCommandDriver parses a whitespace separated command template such as
// "lp -d booth {file}".
func NewCommandDriver(template, photoRoot string) (*CommandDriver, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return nil, errors.New("printer command is empty")
	}
	if !strings.Contains(template, "{file}") {
		return nil, fmt.Errorf("printer command %q has no {file} placeholder", template)
	}
	return &CommandDriver{Template: fields, PhotoRoot: photoRoot}, nil
}

// Print implements Driver.
func (d *CommandDriver) Print(ctx context.Context, photoReference string) error {
	file, err := d.resolve(photoReference)
	if err != nil {
		return err
	}
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("photo %s: %w", photoReference, err)
	}

	args := make([]string, len(d.Template))
	for i, a := range d.Template {
		args[i] = strings.ReplaceAll(a, "{file}", file)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = commandWaitDelay
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// resolve maps a photo reference to a file under PhotoRoot, refusing any
// reference that would leave it.
func (d *CommandDriver) resolve(photoReference string) (string, error) {
	ref := photoReference
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
		if j := strings.IndexByte(ref, '/'); j >= 0 {
			ref = ref[j+1:]
		}
	}
	root, err := filepath.Abs(d.PhotoRoot)
	if err != nil {
		return "", fmt.Errorf("photo root: %w", err)
	}
	file := filepath.Join(root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("photo %q resolves outside %s", photoReference, root)
	}
	return file, nil
}

// SimDriver simulates a printer: each print takes a random time up to
// MaxDelay and fails with probability FailureRate.
type SimDriver struct {
	MaxDelay    time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimDriver returns a simulated printer seeded from seed.
func NewSimDriver(maxDelay time.Duration, failureRate float64, seed int64) *SimDriver {
	return &SimDriver{
		MaxDelay:    maxDelay,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Print implements Driver.
func (d *SimDriver) Print(ctx context.Context, _ string) error {
	d.mu.Lock()
	var delay time.Duration
	if d.MaxDelay > 0 {
		delay = time.Duration(d.rng.Int63n(int64(d.MaxDelay)))
	}
	fail := d.rng.Float64() < d.FailureRate
	d.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if fail {
		return ErrSimulatedFailure
	}
	return nil
}

// New builds the driver named by kind.
func New(kind, command, photoRoot string, failureRate float64) (Driver, error) {
	switch kind {
	case DriverCommand, "":
		return NewCommandDriver(command, photoRoot)
	case DriverSim:
		return NewSimDriver(2*time.Second, failureRate, time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("unknown printer driver %q", kind)
	}
}
