// Package firewall implements the narrow backend contract of §4.H: init,
// finalize, block, block_batch, release, flush_all, each answering
// ok/error/unsupported. The offender engine treats Unsupported as a soft
// no-op (logged, not fatal) — a backend that has no concept of, say,
// batched blocking can simply decline it.
package firewall

import (
	"context"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/grammar"
)

// Result is a backend call's outcome.
type Result int

const (
	OK Result = iota
	Unsupported
	Error
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Unsupported:
		return "unsupported"
	default:
		return "error"
	}
}

// Backend is the firewall adapter contract of §4.H.
type Backend interface {
	Init(ctx context.Context) error
	Finalize(ctx context.Context) error
	Block(ctx context.Context, a address.Address, s grammar.Service) (Result, error)
	BlockBatch(ctx context.Context, addrs []address.Address, s grammar.Service) (Result, error)
	Release(ctx context.Context, a address.Address, s grammar.Service) (Result, error)
	FlushAll(ctx context.Context) (Result, error)
}
