// Package grammar implements the attack recognizer of §4.F: a pattern
// grammar that classifies a log line into a recognized attack kind
// against one of the fixed services, extracts the attacking address, and
// collapses "last message repeated N times" lines into replayed attacks.
//
// Per-source state is held explicitly in a map keyed by the source
// handle Σ (§9: "represent it as a mapping Σ → SourceParserState held by
// the parser, not by free variables"), not as package-level globals.
package grammar

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/procauth"
	"github.com/go-sshguard/sshguardd/internal/resolve"
)

// Attack is a fully resolved attack extracted from one line: K = (A, S, d)
// plus a diagnostic kind label.
type Attack struct {
	Addr    address.Address
	Service Service
	Danger  int
	Kind    string
}

// sourceState is Σ's mutable parsing context (§3, "Source state").
type sourceState struct {
	lastRecognized   bool
	lastAttack       Attack
	lastMultiplicity int // multiplier already baked into lastAttack.Danger
}

// Parser recognizes attack lines and tracks per-source repeat-elision
// state. Parse is safe to call concurrently from different goroutines,
// but per §4.F the grammar is not reentrant *within* a single Σ; callers
// that parallelize across sources must not parallelize within one.
type Parser struct {
	log      *zap.Logger
	resolver *resolve.Resolver
	auth     *procauth.Authenticator

	mu    sync.Mutex
	state map[uint32]*sourceState
}

// New constructs a Parser. resolver and auth may be nil, in which case
// hostname address tokens never resolve and PID authentication is always
// treated as authoritative, respectively.
func New(log *zap.Logger, resolver *resolve.Resolver, auth *procauth.Authenticator) *Parser {
	return &Parser{
		log:      log,
		resolver: resolver,
		auth:     auth,
		state:    make(map[uint32]*sourceState),
	}
}

// Parse classifies one line from source src. It returns (attack, true) for
// a recognized or validly replayed attack, or (Attack{}, false) if the
// line carries no actionable attack (unrecognized, unparsable, PID
// disproved, or an orphan repeat line) — per §4.F this is never an error,
// only silent drop.
func (p *Parser) Parse(ctx context.Context, line string, src uint32) (Attack, bool) {
	b := stripBanner(line)

	if m := repeatRe.FindStringSubmatch(b.rest); m != nil {
		return p.handleRepeat(src, m[1])
	}

	for _, ph := range phrases {
		m := ph.re.FindStringSubmatch(b.rest)
		if m == nil {
			continue
		}
		idx := ph.re.SubexpIndex("addr")
		if idx < 0 || idx >= len(m) {
			continue
		}
		addr, ok := p.resolveToken(ctx, m[idx])
		if !ok {
			p.log.Debug("grammar: address token did not resolve", zap.String("token", m[idx]), zap.String("kind", ph.kind))
			return Attack{}, false
		}

		if b.pid != 0 && p.auth != nil {
			verdict := p.auth.IsAuthoritative(ph.service.String(), b.pid)
			if verdict == procauth.No {
				p.log.Debug("grammar: PID authentication disproved, dropping line",
					zap.String("service", ph.service.String()), zap.Int("pid", b.pid))
				return Attack{}, false
			}
		}

		attack := Attack{Addr: addr, Service: ph.service, Danger: ph.danger, Kind: ph.kind}
		p.storeLast(src, attack, 1)
		return attack, true
	}

	p.markUnrecognized(src)
	return Attack{}, false
}

// handleRepeat implements §4.F action 2 and P8: replay Σ's last attack
// scaled by the repeat count, or drop if Σ has no recognized attack
// pending. The prior multiplicity is divided out of the stored danger
// first, so two consecutive repeat lines on the same Σ replace the
// multiplier instead of compounding it.
func (p *Parser) handleRepeat(src uint32, countText string) (Attack, bool) {
	n, err := strconv.Atoi(countText)
	if err != nil || n <= 0 {
		return Attack{}, false
	}

	p.mu.Lock()
	st, ok := p.state[src]
	p.mu.Unlock()
	if !ok || !st.lastRecognized {
		return Attack{}, false
	}

	prevMultiplicity := st.lastMultiplicity
	if prevMultiplicity <= 0 {
		prevMultiplicity = 1
	}

	replayed := st.lastAttack
	replayed.Danger = (st.lastAttack.Danger / prevMultiplicity) * n
	p.storeLast(src, replayed, n)
	return replayed, true
}

// storeLast records attack as Σ's new last_attack with last_recognized
// set, per §4.F action 3. multiplicity is the repeat count already baked
// into attack.Danger (1 for a freshly recognized attack).
func (p *Parser) storeLast(src uint32, attack Attack, multiplicity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[src]
	if !ok {
		st = &sourceState{}
		p.state[src] = st
	}
	st.lastRecognized = true
	st.lastAttack = attack
	st.lastMultiplicity = multiplicity
}

// markUnrecognized clears Σ's last_recognized flag, per the original
// parser's unconditional reset on every unmatched line: an unrelated
// chatter line between an attack and a later repeat-elision line must
// orphan the repeat, not let it replay the stale attack.
func (p *Parser) markUnrecognized(src uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[src]; ok {
		st.lastRecognized = false
	}
}

// resolveToken accepts a literal v4/v6 address or resolves a hostname via
// the A-then-AAAA strategy of internal/resolve (§4.F: "Resolution tries A
// first, then AAAA; failure of both drops the line").
func (p *Parser) resolveToken(ctx context.Context, token string) (address.Address, bool) {
	if a, err := address.Parse(token); err == nil {
		return a, true
	}
	if p.resolver == nil {
		return address.Address{}, false
	}
	addrs, err := p.resolver.Lookup(ctx, token)
	if err != nil || len(addrs) == 0 {
		return address.Address{}, false
	}
	return addrs[0], true
}
