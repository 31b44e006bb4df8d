// Package capture owns the audio capture resource. At most one capture runs
// at a time per Recorder.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a capture is already running.
	ErrBusy = errors.New("capture: already recording")
	// ErrNoArtifact is returned by Stop when the capture produced no file.
	ErrNoArtifact = errors.New("capture: no artifact written")
)

// Handle is a running capture.
type Handle interface {
	// Stop ends the capture and returns the artifact location.
	Stop() (string, error)
}

// Recorder starts captures.
type Recorder interface {
	Start(ctx context.Context, sessionID string) (Handle, error)
}

// CommandRecorder runs an external capture program (arecord by default) that
// writes a WAV file named after the session into Dir. The output path is
// appended as the last argument. Stop interrupts the program.
type CommandRecorder struct {
	Dir  string
	Name string
	Args []string
	// StopTimeout bounds how long Stop waits before killing the program.
	StopTimeout time.Duration

	mu     sync.Mutex
	active bool
}

// DefaultCommand records 16 kHz mono WAV from the default input device.
var DefaultCommand = []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "wav"}

// NewCommandRecorder returns a recorder running command (program then args)
// into dir. An empty command uses DefaultCommand.
func NewCommandRecorder(dir string, command []string) *CommandRecorder {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &CommandRecorder{
		Dir:         dir,
		Name:        command[0],
		Args:        append([]string(nil), command[1:]...),
		StopTimeout: 5 * time.Second,
	}
}

func (r *CommandRecorder) Start(ctx context.Context, sessionID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return nil, ErrBusy
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("capture: recordings dir: %w", err)
	}
	path := filepath.Join(r.Dir, sessionID+".wav")
	cmd := exec.Command(r.Name, append(append([]string(nil), r.Args...), path)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start %s: %w", r.Name, err)
	}
	r.active = true

	h := &commandHandle{recorder: r, cmd: cmd, path: path, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	return h, nil
}

func (r *CommandRecorder) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

type commandHandle struct {
	recorder *CommandRecorder
	cmd      *exec.Cmd
	path     string
	done     chan error

	once sync.Once
	loc  string
	err  error
}

func (h *commandHandle) Stop() (string, error) {
	h.once.Do(func() {
		defer h.recorder.release()

		signaled := h.cmd.Process.Signal(os.Interrupt) == nil
		timeout := h.recorder.StopTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		var waitErr error
		select {
		case waitErr = <-h.done:
		case <-time.After(timeout):
			h.cmd.Process.Kill()
			waitErr = <-h.done
		}
		var exitErr *exec.ExitError
		if waitErr != nil && !(signaled && errors.As(waitErr, &exitErr)) {
			h.err = fmt.Errorf("capture: %s: %w", h.recorder.Name, waitErr)
			return
		}
		if _, err := os.Stat(h.path); err != nil {
			h.err = ErrNoArtifact
			return
		}
		h.loc = h.path
	})
	return h.loc, h.err
}

// NullRecorder records nothing. It is used when no capture device is present.
type NullRecorder struct{}

func (NullRecorder) Start(ctx context.Context, sessionID string) (Handle, error) {
	return nullHandle{}, ctx.Err()
}

type nullHandle struct{}

func (nullHandle) Stop() (string, error) { return "", nil }
