// Package whitelist implements the net-of-blocks/hostnames membership test
// of §4.B. Whitelist membership short-circuits the offender engine: matched
// addresses never enter Limbo, never block, and no log line for them is
// amplified into an attack.
package whitelist

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/resolve"
)

// entry is a single compiled whitelist rule: a network prefix to compare
// an incoming address against via (addr AND mask) == (entry AND mask).
type entry struct {
	prefix netip.Prefix
	source string // original text, for logging
}

// List is a compiled, queryable whitelist. AddArg is meant to be called
// only during construction, before the List is shared; once built, Match
// and ReplaceFrom are safe for concurrent use (the operator socket's
// reload-whitelist command replaces entries while the main reader is
// concurrently calling Match).
type List struct {
	log *zap.Logger

	mu      sync.RWMutex
	entries []entry
}

// implicitLoopback is always present, per §4.B: "127.0.0.1 is implicitly
// whitelisted."
var implicitLoopback = entry{
	prefix: netip.PrefixFrom(netip.MustParseAddr("127.0.0.1"), 32),
	source: "127.0.0.1 (implicit)",
}

// New returns an empty List carrying only the implicit loopback entry.
func New(log *zap.Logger) *List {
	return &List{log: log, entries: []entry{implicitLoopback}}
}

// AddArg resolves one -w argument (§6.1): a path to a file of entries if it
// begins with "/" or ".", otherwise a single literal address, CIDR block,
// or hostname. Malformed entries are logged and skipped; the daemon
// continues (§4.B failure semantics).
func (l *List) AddArg(ctx context.Context, arg string, resolver *resolve.Resolver) {
	if strings.HasPrefix(arg, "/") || strings.HasPrefix(arg, ".") {
		l.addFile(ctx, arg, resolver)
		return
	}
	l.addOne(ctx, arg, resolver)
}

func (l *List) addFile(ctx context.Context, path string, resolver *resolve.Resolver) {
	f, err := os.Open(path)
	if err != nil {
		l.log.Error("whitelist: cannot open entries file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		l.addOne(ctx, line, resolver)
	}
	if err := scanner.Err(); err != nil {
		l.log.Error("whitelist: error reading entries file", zap.String("path", path), zap.Error(err))
	}
}

func (l *List) addOne(ctx context.Context, text string, resolver *resolve.Resolver) {
	if prefix, err := parseLiteralOrCIDR(text); err == nil {
		l.entries = append(l.entries, entry{prefix: prefix, source: text})
		return
	}

	if resolver == nil {
		l.log.Error("whitelist: malformed entry, no resolver available", zap.String("entry", text))
		return
	}

	addrs, err := resolver.Lookup(ctx, text)
	if err != nil || len(addrs) == 0 {
		l.log.Error("whitelist: malformed or unresolvable entry", zap.String("entry", text), zap.Error(err))
		return
	}
	for _, a := range addrs {
		bits := 32
		if a.Family() == address.V6 {
			bits = 128
		}
		l.entries = append(l.entries, entry{
			prefix: netip.PrefixFrom(a.Netip(), bits),
			source: text,
		})
	}
}

// parseLiteralOrCIDR accepts "1.2.3.4", "1.2.3.0/24", "::1", or "2001:db8::/32".
func parseLiteralOrCIDR(text string) (netip.Prefix, error) {
	if strings.Contains(text, "/") {
		p, err := netip.ParsePrefix(text)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse CIDR %q: %w", text, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse literal %q: %w", text, err)
	}
	bits := 32
	if a.Is6() && !a.Is4In6() {
		bits = 128
	}
	return netip.PrefixFrom(a, bits), nil
}

// Match reports whether a matches any compiled entry of the same address
// family.
func (l *List) Match(a address.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.prefix.Addr().Is4() != a.Netip().Is4() {
			continue
		}
		if e.prefix.Contains(a.Netip()) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled entries, including the implicit
// loopback entry. Exposed for metrics and the operator socket.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ReplaceFrom atomically swaps l's entries with other's, used by the
// operator socket's reload-whitelist command to pick up a freshly built
// List without replacing the pointer the offender engine already holds.
func (l *List) ReplaceFrom(other *List) {
	other.mu.RLock()
	entries := make([]entry, len(other.entries))
	copy(entries, other.entries)
	other.mu.RUnlock()

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}
