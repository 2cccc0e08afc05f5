// Package offender implements the central state machine of §4.G: per-address
// accumulation of a "danger" score, whitelist short-circuiting,
// threshold-driven blocking, recidivism-weighted pardon durations, and
// promotion to the persistent blacklist.
//
// State transitions are atomic under a single mutex, following the
// teacher's ProcessState pattern in internal/escalation/state_machine.go:
// one lock guards every mutation of Limbo, Hell, and Offenders, since §5
// requires Hell specifically to be guarded against the concurrent release
// scheduler and compound membership-then-mutate operations must not race.
package offender

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/blacklist"
	"github.com/go-sshguard/sshguardd/internal/firewall"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/observability"
	"github.com/go-sshguard/sshguardd/internal/storage"
	"github.com/go-sshguard/sshguardd/internal/whitelist"
)

// Config carries the engine's external options (§4.G).
type Config struct {
	AbuseThreshold     int           // default 40
	PardonThreshold    time.Duration // default 420s
	StaleThreshold     time.Duration // default 1200s
	BlacklistThreshold int           // default 120
	BlacklistFile      string        // optional
}

// DefaultConfig returns §4.G's documented defaults.
func DefaultConfig() Config {
	return Config{
		AbuseThreshold:     40,
		PardonThreshold:    420 * time.Second,
		StaleThreshold:     1200 * time.Second,
		BlacklistThreshold: 120,
	}
}

type limboEntry struct {
	service         grammar.Service
	firstSeen       time.Time
	lastSeen        time.Time
	hits            int
	cumulatedDanger int
}

type hellEntry struct {
	service         grammar.Service
	lastSeen        time.Time
	pardonDuration  time.Duration // 0 means infinite (blacklisted)
	hits            uint32
	cumulatedDanger int
}

// OffenderRecord is the lifetime-of-process history entry for O, exposed
// read-only for the operator socket and metrics.
type OffenderRecord struct {
	Addr            address.Address
	Service         grammar.Service
	FirstSeen       time.Time
	LastSeen        time.Time
	Hits            uint32
	CumulatedDanger int
}

// Engine is the offender state machine.
type Engine struct {
	log       *zap.Logger
	whitelist *whitelist.List
	fw        firewall.Backend
	cfg       Config
	rng       func(n int) int

	mu      sync.Mutex
	limbo   map[string]*limboEntry
	hell    map[string]*hellEntry
	offndr  map[string]*OffenderRecord
	offList []*OffenderRecord // kept sorted by LastSeen descending

	suspended atomic.Bool

	ledger  *storage.DB            // optional audit trail; nil disables it
	metrics *observability.Metrics // optional; nil disables metric updates
}

// SetLedger attaches an audit ledger. Entries are best-effort: a ledger
// write failure is logged and never blocks or fails the caller.
func (e *Engine) SetLedger(db *storage.DB) { e.ledger = db }

// SetMetrics attaches the Prometheus metrics set. Counters are incremented
// only for calls that actually reach the firewall backend.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

func (e *Engine) recordLedger(kind storage.EventKind, a address.Address, s grammar.Service, hits uint32, danger int) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.Append(storage.LedgerEntry{
		Kind:    kind,
		Addr:    a.String(),
		Service: s.String(),
		Hits:    hits,
		Danger:  danger,
	}); err != nil {
		e.log.Warn("offender: ledger append failed", zap.Error(err))
	}
}

// New constructs an Engine. rng, if nil, defaults to math/rand's global
// source; tests may inject a deterministic function.
func New(log *zap.Logger, wl *whitelist.List, fw firewall.Backend, cfg Config, rng func(n int) int) *Engine {
	if rng == nil {
		rng = func(n int) int { return int(time.Now().UnixNano()) % n }
	}
	return &Engine{
		log:       log,
		whitelist: wl,
		fw:        fw,
		cfg:       cfg,
		rng:       rng,
		limbo:     make(map[string]*limboEntry),
		hell:      make(map[string]*hellEntry),
		offndr:    make(map[string]*OffenderRecord),
	}
}

// Suspend and Resume implement §4.G's suspension contract: while
// suspended, the supervisor is expected to read and discard lines before
// ever calling HandleAttack; Suspend/Resume here only flip the flag so
// the supervisor can query it.
func (e *Engine) Suspend() { e.suspended.Store(true) }
func (e *Engine) Resume()  { e.suspended.Store(false) }
func (e *Engine) Suspended() bool { return e.suspended.Load() }

// HandleAttack implements §4.G's per-attack algorithm (steps 1-8). It
// returns the firewall Result of a block call, or OK with no side effect
// if the attack did not cross a threshold.
func (e *Engine) HandleAttack(ctx context.Context, atk grammar.Attack) (firewall.Result, error) {
	now := time.Now()
	e.mu.Lock()

	e.purgeLimboStaleLocked(now)

	key := atk.Addr.String()

	if _, blocked := e.hell[key]; blocked {
		e.mu.Unlock()
		e.log.Debug("offender: already blocked", zap.String("addr", key))
		return firewall.OK, nil
	}

	if e.whitelist != nil && e.whitelist.Match(atk.Addr) {
		e.mu.Unlock()
		e.log.Debug("offender: whitelisted, ignoring", zap.String("addr", key))
		return firewall.OK, nil
	}

	l, ok := e.limbo[key]
	if ok {
		l.lastSeen = now
		l.hits++
		l.cumulatedDanger += atk.Danger
		l.service = atk.Service
	} else {
		l = &limboEntry{service: atk.Service, firstSeen: now, lastSeen: now, hits: 1, cumulatedDanger: atk.Danger}
		e.limbo[key] = l
	}

	if l.cumulatedDanger < e.cfg.AbuseThreshold {
		e.mu.Unlock()
		return firewall.OK, nil
	}

	// Block decision (§4.G step 6).
	off, existed := e.offndr[key]
	if existed {
		off.Hits++
		off.CumulatedDanger += l.cumulatedDanger
		off.LastSeen = now
	} else {
		off = &OffenderRecord{
			Addr: atk.Addr, Service: atk.Service,
			FirstSeen: now, LastSeen: now,
			Hits: 1, CumulatedDanger: l.cumulatedDanger,
		}
		e.offndr[key] = off
		e.offList = append(e.offList, off)
	}

	var pardon time.Duration
	promoteToBlacklist := false
	if off.CumulatedDanger >= e.cfg.BlacklistThreshold {
		pardon = 0
		promoteToBlacklist = true
		e.log.Warn("offender: promoting to blacklist", zap.String("addr", key), zap.Int("cumulated_danger", off.CumulatedDanger))
	} else {
		pardon = time.Duration(float64(e.cfg.PardonThreshold) * math.Pow(1.5, float64(off.Hits)))
	}

	delete(e.limbo, key)
	e.hell[key] = &hellEntry{
		service:         atk.Service,
		lastSeen:        now,
		pardonDuration:  pardon,
		hits:            off.Hits,
		cumulatedDanger: off.CumulatedDanger,
	}
	e.resortOffendersLocked()
	e.mu.Unlock()

	if promoteToBlacklist && e.cfg.BlacklistFile != "" {
		if err := e.promoteToBlacklist(atk.Addr, atk.Service, off); err != nil {
			e.log.Error("offender: blacklist append failed", zap.String("addr", key), zap.Error(err))
		}
	}

	res, err := e.fw.Block(ctx, atk.Addr, atk.Service)
	if err != nil {
		e.log.Error("offender: firewall block failed", zap.String("addr", key), zap.Error(err))
	} else if res == firewall.Unsupported {
		e.log.Warn("offender: firewall backend does not support block, treating as soft no-op", zap.String("addr", key))
	} else {
		if e.metrics != nil {
			e.metrics.BlocksTotal.Inc()
		}
		e.recordLedger(storage.EventBlock, atk.Addr, atk.Service, off.Hits, off.CumulatedDanger)
		if promoteToBlacklist {
			if e.metrics != nil {
				e.metrics.BlacklistPromotionsTotal.Inc()
			}
			e.recordLedger(storage.EventBlacklistPromoted, atk.Addr, atk.Service, off.Hits, off.CumulatedDanger)
		}
	}
	return res, err
}

func (e *Engine) promoteToBlacklist(a address.Address, s grammar.Service, off *OffenderRecord) error {
	already, err := blacklist.Contains(e.cfg.BlacklistFile, a)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	return blacklist.Append(e.cfg.BlacklistFile, blacklist.Record{
		Addr:           a,
		Service:        uint32(s),
		FirstSeen:      off.FirstSeen,
		LastSeen:       off.LastSeen,
		PardonDuration: 0,
		Hits:           off.Hits,
	})
}

// purgeLimboStaleLocked drops any Limbo entry idle past StaleThreshold
// (§4.G step 1, P5). Caller must hold e.mu.
func (e *Engine) purgeLimboStaleLocked(now time.Time) {
	for key, l := range e.limbo {
		if now.Sub(l.firstSeen) > e.cfg.StaleThreshold && now.Sub(l.lastSeen) > e.cfg.StaleThreshold {
			delete(e.limbo, key)
		}
	}
}

// resortOffendersLocked keeps O sorted by LastSeen descending (§4.G step 8).
// Caller must hold e.mu.
func (e *Engine) resortOffendersLocked() {
	sort.Slice(e.offList, func(i, j int) bool {
		return e.offList[i].LastSeen.After(e.offList[j].LastSeen)
	})
}

// RunReleaseScheduler is the long-running cooperative task of §4.G: every
// 1+rand(1+pardonThreshold/2) seconds, scan Hell and release any entry
// whose pardon has elapsed. It returns when ctx is cancelled.
func (e *Engine) RunReleaseScheduler(ctx context.Context) {
	for {
		interval := time.Duration(1+e.rng(1+int(e.cfg.PardonThreshold/2/time.Second))) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		e.sweepHell(ctx)
	}
}

func (e *Engine) sweepHell(ctx context.Context) {
	now := time.Now()

	type pending struct {
		key string
		a   address.Address
		s   grammar.Service
	}
	var toRelease []pending

	e.mu.Lock()
	for key, h := range e.hell {
		if h.pardonDuration > 0 && now.Sub(h.lastSeen) > h.pardonDuration {
			a, err := address.Parse(key)
			if err != nil {
				continue
			}
			toRelease = append(toRelease, pending{key: key, a: a, s: h.service})
		}
	}
	e.mu.Unlock()

	for _, p := range toRelease {
		res, err := e.fw.Release(ctx, p.a, p.s)
		if err != nil {
			e.log.Error("offender: firewall release failed", zap.String("addr", p.key), zap.Error(err))
			continue
		}
		if res == firewall.Unsupported {
			e.log.Warn("offender: firewall backend does not support release", zap.String("addr", p.key))
		} else {
			if e.metrics != nil {
				e.metrics.ReleasesTotal.Inc()
			}
			e.recordLedger(storage.EventRelease, p.a, p.s, 0, 0)
		}
		e.mu.Lock()
		delete(e.hell, p.key)
		e.mu.Unlock()
	}
}

// StartupReblock implements §4.G's startup contract: if a blacklist file
// is configured and exists, block every address it lists via a batch
// firewall call, without entering them into Offenders/Hell.
func (e *Engine) StartupReblock(ctx context.Context) error {
	if e.cfg.BlacklistFile == "" {
		return nil
	}
	records, err := blacklist.Load(e.cfg.BlacklistFile)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	byService := make(map[grammar.Service][]address.Address)
	for _, r := range records {
		byService[grammar.Service(r.Service)] = append(byService[grammar.Service(r.Service)], r.Addr)
	}
	for svc, addrs := range byService {
		res, err := e.fw.BlockBatch(ctx, addrs, svc)
		if err != nil {
			e.log.Error("offender: startup batch reblock failed", zap.Error(err))
			continue
		}
		if res == firewall.Unsupported {
			e.log.Warn("offender: firewall backend does not support batch block, reblocking individually")
			for _, a := range addrs {
				if _, err := e.fw.Block(ctx, a, svc); err != nil {
					e.log.Error("offender: startup reblock failed", zap.String("addr", a.String()), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// Offenders returns a snapshot of O, sorted by LastSeen descending.
func (e *Engine) Offenders() []OffenderRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OffenderRecord, len(e.offList))
	for i, o := range e.offList {
		out[i] = *o
	}
	return out
}

// InHell reports whether a is currently blocked.
func (e *Engine) InHell(a address.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.hell[a.String()]
	return ok
}

// InLimbo reports whether a is currently under suspicion but not blocked.
func (e *Engine) InLimbo(a address.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.limbo[a.String()]
	return ok
}

// ForceRelease immediately releases a from Hell regardless of pardon
// elapsed, used by the operator socket's force-release command.
func (e *Engine) ForceRelease(ctx context.Context, a address.Address) (firewall.Result, error) {
	e.mu.Lock()
	h, ok := e.hell[a.String()]
	e.mu.Unlock()
	if !ok {
		return firewall.OK, nil
	}
	res, err := e.fw.Release(ctx, a, h.service)
	if err != nil {
		return res, err
	}
	if e.metrics != nil {
		e.metrics.ReleasesTotal.Inc()
	}
	e.recordLedger(storage.EventRelease, a, h.service, h.hits, h.cumulatedDanger)
	e.mu.Lock()
	delete(e.hell, a.String())
	e.mu.Unlock()
	return res, nil
}

// HellLen and LimboLen expose set sizes for metrics (§9 observability).
func (e *Engine) HellLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hell)
}

func (e *Engine) LimboLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.limbo)
}
