package whitelist

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func TestMatch_ImplicitLoopback(t *testing.T) {
	l := New(zap.NewNop())
	a, _ := address.Parse("127.0.0.1")
	if !l.Match(a) {
		t.Error("127.0.0.1 must be implicitly whitelisted")
	}
}

func TestMatch_NoEntriesDoesNotMatchArbitraryAddress(t *testing.T) {
	l := New(zap.NewNop())
	a, _ := address.Parse("203.0.113.5")
	if l.Match(a) {
		t.Error("unrelated address must not match an empty whitelist")
	}
}

func TestAddArg_LiteralAndCIDR(t *testing.T) {
	l := New(zap.NewNop())
	ctx := testContext(t)
	l.AddArg(ctx, "198.51.100.7", nil)
	l.AddArg(ctx, "203.0.113.0/24", nil)

	in, _ := address.Parse("198.51.100.7")
	if !l.Match(in) {
		t.Error("literal entry should match")
	}
	inBlock, _ := address.Parse("203.0.113.42")
	if !l.Match(inBlock) {
		t.Error("address inside whitelisted CIDR should match")
	}
	outBlock, _ := address.Parse("203.0.114.42")
	if l.Match(outBlock) {
		t.Error("address outside whitelisted CIDR must not match")
	}
}

func TestAddArg_MalformedEntrySkippedNotFatal(t *testing.T) {
	l := New(zap.NewNop())
	ctx := testContext(t)
	before := l.Len()
	l.AddArg(ctx, "not a valid entry!!", nil)
	if l.Len() != before {
		t.Error("malformed entry must be skipped, not added")
	}
}

func TestReplaceFrom_SwapsEntriesWithoutChangingPointer(t *testing.T) {
	l := New(zap.NewNop())
	ctx := testContext(t)

	fresh := New(zap.NewNop())
	fresh.AddArg(ctx, "198.51.100.7", nil)

	l.ReplaceFrom(fresh)

	in, _ := address.Parse("198.51.100.7")
	if !l.Match(in) {
		t.Error("entries from the replacement list should now match")
	}
}

func TestMatch_FamilyMismatchNeverMatches(t *testing.T) {
	l := New(zap.NewNop())
	ctx := testContext(t)
	l.AddArg(ctx, "::1", nil)
	v4, _ := address.Parse("127.0.0.2")
	if l.Match(v4) {
		t.Error("a v6-only entry must never match a v4 address")
	}
}
