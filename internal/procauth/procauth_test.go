package procauth

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap"
)

func TestIsAuthoritative_UnregisteredServiceAlwaysYes(t *testing.T) {
	a := New(zap.NewNop())
	if v := a.IsAuthoritative("sshd", 12345); v != Yes {
		t.Errorf("unregistered service should fail open to Yes, got %v", v)
	}
}

func TestIsAuthoritative_ExactPIDMatch(t *testing.T) {
	dir := t.TempDir()
	pidfile := filepath.Join(dir, "sshd.pid")
	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	a := New(zap.NewNop())
	a.Register("sshd", pidfile)

	if v := a.IsAuthoritative("sshd", os.Getpid()); v != Yes {
		t.Errorf("exact PID match should be Yes, got %v", v)
	}
}

func TestIsAuthoritative_DeadProcessPidfileIsUnknown(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("spawning a throwaway process failed: %v", err)
	}
	deadPID := cmd.Process.Pid

	dir := t.TempDir()
	pidfile := filepath.Join(dir, "sshd.pid")
	if err := os.WriteFile(pidfile, []byte(strconv.Itoa(deadPID)), 0o644); err != nil {
		t.Fatal(err)
	}
	a := New(zap.NewNop())
	a.Register("sshd", pidfile)

	if v := a.IsAuthoritative("sshd", deadPID); v != Unknown {
		t.Errorf("pidfile naming an exited process should answer Unknown, got %v", v)
	}
}

func TestIsAuthoritative_UnreadablePidfileIsUnknown(t *testing.T) {
	a := New(zap.NewNop())
	a.Register("sshd", "/nonexistent/path/to/pidfile")
	if v := a.IsAuthoritative("sshd", 1); v != Unknown {
		t.Errorf("unreadable pidfile should answer Unknown, got %v", v)
	}
}
