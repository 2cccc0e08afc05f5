package tail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func readLineWithTimeout(t *testing.T, m *Multiplexer, stick bool) Line {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	line, err := m.NextLine(ctx, stick)
	if err != nil {
		t.Fatalf("NextLine: %v", err)
	}
	return line
}

func TestAddSource_ReturnsStableHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(zap.NewNop())
	defer m.Close()

	h1, err := m.AddSource(path)
	if err != nil {
		t.Fatal(err)
	}
	h2 := sourceHandle(path)
	if h1 != h2 {
		t.Errorf("handle not deterministic: %d != %d", h1, h2)
	}
}

func TestAddSource_SeeksToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, []byte("historic line\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(zap.NewNop())
	defer m.Close()

	if _, err := m.AddSource(path); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("new line\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	line := readLineWithTimeout(t, m, false)
	if line.Text != "new line" {
		t.Errorf("got %q, want %q (historic line must be skipped)", line.Text, "new line")
	}
}

func TestNextLine_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(zap.NewNop())
	m.pollBack = 10 * time.Millisecond
	defer m.Close()

	if _, err := m.AddSource(path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("X\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	first := readLineWithTimeout(t, m, false)
	if first.Text != "X" {
		t.Fatalf("got %q, want X", first.Text)
	}

	// Replace the file (new inode), simulating logrotate.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("Y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	second := readLineWithTimeout(t, m, false)
	if second.Text != "Y" {
		t.Fatalf("got %q, want Y after rotation", second.Text)
	}
}

func TestAddSource_StdinHandleIsZero(t *testing.T) {
	m := New(zap.NewNop())
	defer m.Close()
	h, err := m.AddSource("-")
	if err != nil {
		t.Fatal(err)
	}
	if h != 0 {
		t.Errorf("stdin handle must be 0, got %d", h)
	}
}

func TestAddSource_LimitEnforced(t *testing.T) {
	dir := t.TempDir()
	m := New(zap.NewNop())
	defer m.Close()

	for i := 0; i < MaxSources; i++ {
		path := filepath.Join(dir, "f")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := m.AddSource("-"); err != nil {
			t.Fatalf("source %d: %v", i, err)
		}
	}
	if _, err := m.AddSource("-"); err == nil {
		t.Error("36th source should be rejected")
	}
}
