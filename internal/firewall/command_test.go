package firewall

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/grammar"
)

func TestCommandBackend_BlockInvokesCommandWithEnv(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "out.txt")
	cfg := CommandConfig{
		BlockCmd: `echo "$SSHG_ADDR $SSHG_ADDRKIND $SSHG_SERVICE" > ` + outFile,
	}
	b := NewCommandBackend(cfg, zap.NewNop(), nil)

	a, _ := address.Parse("203.0.113.5")
	res, err := b.Block(context.Background(), a, grammar.ServiceSSH)
	if err != nil {
		t.Fatal(err)
	}
	if res != OK {
		t.Fatalf("result = %v, want OK", res)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatal(err)
	}
	want := "203.0.113.5 4 SSH\n"
	if string(data) != want {
		t.Errorf("output = %q, want %q", data, want)
	}
}

func TestCommandBackend_EmptyCommandIsUnsupported(t *testing.T) {
	b := NewCommandBackend(CommandConfig{}, zap.NewNop(), nil)
	a, _ := address.Parse("203.0.113.5")
	res, err := b.Block(context.Background(), a, grammar.ServiceSSH)
	if err != nil {
		t.Fatal(err)
	}
	if res != Unsupported {
		t.Errorf("result = %v, want Unsupported", res)
	}
}

func TestCommandBackend_NonzeroExitIsError(t *testing.T) {
	cfg := CommandConfig{BlockCmd: "exit 1"}
	b := NewCommandBackend(cfg, zap.NewNop(), nil)
	a, _ := address.Parse("203.0.113.5")
	res, err := b.Block(context.Background(), a, grammar.ServiceSSH)
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if res != Error {
		t.Errorf("result = %v, want Error", res)
	}
}

func TestNullBackend_AlwaysUnsupported(t *testing.T) {
	var b NullBackend
	a, _ := address.Parse("203.0.113.5")
	res, _ := b.Block(context.Background(), a, grammar.ServiceSSH)
	if res != Unsupported {
		t.Error("NullBackend.Block should be Unsupported")
	}
	res, _ = b.Release(context.Background(), a, grammar.ServiceSSH)
	if res != Unsupported {
		t.Error("NullBackend.Release should be Unsupported")
	}
}
