package firewall

import (
	"context"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/grammar"
)

// NullBackend discards every block/release request, answering Unsupported
// for each. Useful for config validation (-h/-v style dry runs) and for
// tests that exercise the offender engine without a real packet filter.
type NullBackend struct{}

func (NullBackend) Init(ctx context.Context) error     { return nil }
func (NullBackend) Finalize(ctx context.Context) error { return nil }
func (NullBackend) FlushAll(ctx context.Context) (Result, error) {
	return Unsupported, nil
}
func (NullBackend) Block(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	return Unsupported, nil
}
func (NullBackend) BlockBatch(ctx context.Context, addrs []address.Address, s grammar.Service) (Result, error) {
	return Unsupported, nil
}
func (NullBackend) Release(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	return Unsupported, nil
}
