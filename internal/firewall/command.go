package firewall

import (
	"context"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/ratelimit"
)

// CommandConfig names the user-supplied shell commands for each operation
// (§6.1's "generic user command" backend, §6.3's env-var contract). An
// empty command for an operation means that operation is Unsupported.
type CommandConfig struct {
	InitCmd     string
	FinalizeCmd string
	BlockCmd    string
	ReleaseCmd  string
	FlushCmd    string
}

// CommandBackend invokes user-supplied shell commands, passing SSHG_ADDR,
// SSHG_ADDRKIND, and SSHG_SERVICE as environment variables (§6.3). Exit 0
// is success; nonzero is Error.
type CommandBackend struct {
	cfg     CommandConfig
	log     *zap.Logger
	limiter *ratelimit.Bucket
}

// NewCommandBackend constructs a CommandBackend. limiter may be nil to
// disable throttling (used for Init/Finalize/single-address calls, which
// are never issued in a tight loop).
func NewCommandBackend(cfg CommandConfig, log *zap.Logger, limiter *ratelimit.Bucket) *CommandBackend {
	return &CommandBackend{cfg: cfg, log: log, limiter: limiter}
}

func (c *CommandBackend) Init(ctx context.Context) error {
	if c.cfg.InitCmd == "" {
		return nil
	}
	_, err := c.run(ctx, c.cfg.InitCmd, nil)
	return err
}

func (c *CommandBackend) Finalize(ctx context.Context) error {
	if c.cfg.FinalizeCmd == "" {
		return nil
	}
	_, err := c.run(ctx, c.cfg.FinalizeCmd, nil)
	return err
}

func (c *CommandBackend) Block(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	if c.cfg.BlockCmd == "" {
		return Unsupported, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, 1); err != nil {
			return Error, err
		}
	}
	return c.run(ctx, c.cfg.BlockCmd, env(a.String(), a.Family().String(), s.String()))
}

func (c *CommandBackend) BlockBatch(ctx context.Context, addrs []address.Address, s grammar.Service) (Result, error) {
	if c.cfg.BlockCmd == "" {
		return Unsupported, nil
	}
	if len(addrs) == 0 {
		return OK, nil
	}
	texts := make([]string, len(addrs))
	kind := addrs[0].Family().String()
	for i, a := range addrs {
		texts[i] = a.String()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, 1); err != nil {
			return Error, err
		}
	}
	return c.run(ctx, c.cfg.BlockCmd, env(strings.Join(texts, ","), kind, s.String()))
}

func (c *CommandBackend) Release(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	if c.cfg.ReleaseCmd == "" {
		return Unsupported, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, 1); err != nil {
			return Error, err
		}
	}
	return c.run(ctx, c.cfg.ReleaseCmd, env(a.String(), a.Family().String(), s.String()))
}

func (c *CommandBackend) FlushAll(ctx context.Context) (Result, error) {
	if c.cfg.FlushCmd == "" {
		return Unsupported, nil
	}
	return c.run(ctx, c.cfg.FlushCmd, nil)
}

func env(addrText, addrKind, service string) []string {
	return []string{
		"SSHG_ADDR=" + addrText,
		"SSHG_ADDRKIND=" + addrKind,
		"SSHG_SERVICE=" + service,
	}
}

func (c *CommandBackend) run(ctx context.Context, command string, extraEnv []string) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if extraEnv != nil {
		cmd.Env = append(cmd.Environ(), extraEnv...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Error("firewall: command backend failed",
			zap.String("command", command), zap.Error(err), zap.ByteString("output", out))
		return Error, err
	}
	return OK, nil
}
