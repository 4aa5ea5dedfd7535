package utils

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// --- 1. Process Safety & Command Wrapping ---

// MaxLogBytes is how much child stderr a SafeCommand keeps.
const MaxLogBytes = 64 * 1024

// TailBuffer keeps the last Max bytes written to it. Safe for concurrent use.
type TailBuffer struct {
	Max int

	mu  sync.Mutex
	buf []byte
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.Max {
		t.buf = append(t.buf[:0], p[len(p)-t.Max:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.Max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *TailBuffer) WriteString(s string) (int, error) {
	return t.Write([]byte(s))
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (t *TailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / Python logs)
// This ensures we don't lose critical crash information if a child process dies.
// Only the tail is kept, so long-running engines cannot grow it without bound.
type SafeCommand struct {
	*exec.Cmd
	Stderr *TailBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &TailBuffer{Max: MaxLogBytes}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the captured stderr, trimmed. Empty if nothing was written.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
// Unlike a hard exit, it leaves the decision to stop to the caller.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 SIGHTLINE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// RequireBinary checks that an external tool (ffmpeg, ffprobe, python3) is on PATH.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}

// NewToken returns a random 32 character hex token used to name result files.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
