package offender

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/blacklist"
	"github.com/go-sshguard/sshguardd/internal/firewall"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/whitelist"
)

type recordingBackend struct {
	blocks   []address.Address
	releases []address.Address
}

func (r *recordingBackend) Init(ctx context.Context) error     { return nil }
func (r *recordingBackend) Finalize(ctx context.Context) error { return nil }
func (r *recordingBackend) Block(ctx context.Context, a address.Address, s grammar.Service) (firewall.Result, error) {
	r.blocks = append(r.blocks, a)
	return firewall.OK, nil
}
func (r *recordingBackend) BlockBatch(ctx context.Context, addrs []address.Address, s grammar.Service) (firewall.Result, error) {
	r.blocks = append(r.blocks, addrs...)
	return firewall.OK, nil
}
func (r *recordingBackend) Release(ctx context.Context, a address.Address, s grammar.Service) (firewall.Result, error) {
	r.releases = append(r.releases, a)
	return firewall.OK, nil
}
func (r *recordingBackend) FlushAll(ctx context.Context) (firewall.Result, error) {
	return firewall.OK, nil
}

func attackFor(t *testing.T, addrText string, danger int) grammar.Attack {
	t.Helper()
	a, err := address.Parse(addrText)
	if err != nil {
		t.Fatal(err)
	}
	return grammar.Attack{Addr: a, Service: grammar.ServiceSSH, Danger: danger, Kind: "ssh-invalid-user"}
}

func TestHandleAttack_BelowThresholdStaysInLimbo(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	e := New(zap.NewNop(), wl, fw, DefaultConfig(), func(n int) int { return 0 })

	atk := attackFor(t, "203.0.113.5", 10)
	if _, err := e.HandleAttack(context.Background(), atk); err != nil {
		t.Fatal(err)
	}
	if len(fw.blocks) != 0 {
		t.Error("should not block below abuse threshold")
	}
	if !e.InLimbo(atk.Addr) {
		t.Error("address should be in limbo")
	}
}

func TestHandleAttack_FourAttacksHitThreshold(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	e := New(zap.NewNop(), wl, fw, DefaultConfig(), func(n int) int { return 0 })

	atk := attackFor(t, "203.0.113.5", 10)
	for i := 0; i < 4; i++ {
		if _, err := e.HandleAttack(context.Background(), atk); err != nil {
			t.Fatal(err)
		}
	}
	if len(fw.blocks) != 1 {
		t.Fatalf("expected exactly one block, got %d", len(fw.blocks))
	}
	if e.InLimbo(atk.Addr) {
		t.Error("address should have left limbo")
	}
	if !e.InHell(atk.Addr) {
		t.Error("address should be in hell")
	}
}

func TestHandleAttack_WhitelistedNeverBlocks(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	e := New(zap.NewNop(), wl, fw, DefaultConfig(), func(n int) int { return 0 })

	atk := attackFor(t, "127.0.0.1", 1000)
	for i := 0; i < 5; i++ {
		if _, err := e.HandleAttack(context.Background(), atk); err != nil {
			t.Fatal(err)
		}
	}
	if len(fw.blocks) != 0 {
		t.Error("whitelisted address must never block")
	}
	if e.InLimbo(atk.Addr) || e.InHell(atk.Addr) {
		t.Error("whitelisted address must never enter limbo or hell")
	}
}

func TestHandleAttack_Idempotence(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	e := New(zap.NewNop(), wl, fw, DefaultConfig(), func(n int) int { return 0 })

	atk := attackFor(t, "203.0.113.5", 10)
	for i := 0; i < 4; i++ {
		e.HandleAttack(context.Background(), atk)
	}
	if len(fw.blocks) != 1 {
		t.Fatalf("expected 1 block before re-attack, got %d", len(fw.blocks))
	}
	// Already in hell: further attacks must not call fw.Block again (P1).
	e.HandleAttack(context.Background(), atk)
	if len(fw.blocks) != 1 {
		t.Errorf("expected still 1 block (idempotence), got %d", len(fw.blocks))
	}
}

func TestHandleAttack_RecidivismMonotoneUntilBlacklisted(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	cfg := DefaultConfig()
	cfg.BlacklistThreshold = 1 << 30 // effectively unreachable, isolate P3
	e := New(zap.NewNop(), wl, fw, cfg, func(n int) int { return 0 })

	addr, _ := address.Parse("203.0.113.5")

	pardon := func() time.Duration {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.hell[addr.String()].pardonDuration
	}

	atk := attackFor(t, "203.0.113.5", 50) // one hit already crosses abuse threshold
	e.HandleAttack(context.Background(), atk)
	first := pardon()

	// Force it back through limbo->hell again by releasing then re-attacking.
	e.ForceRelease(context.Background(), addr)
	e.HandleAttack(context.Background(), atk)
	second := pardon()

	if second < first {
		t.Errorf("pardon duration should be monotone non-decreasing: first=%v second=%v", first, second)
	}
}

func TestHandleAttack_RepeatElisionTriggersBlock(t *testing.T) {
	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	e := New(zap.NewNop(), wl, fw, DefaultConfig(), func(n int) int { return 0 })

	first := attackFor(t, "198.51.100.7", 10)
	e.HandleAttack(context.Background(), first)

	replay := attackFor(t, "198.51.100.7", 50) // 5x the original 10
	if _, err := e.HandleAttack(context.Background(), replay); err != nil {
		t.Fatal(err)
	}
	if len(fw.blocks) != 1 {
		t.Fatalf("cumulated danger 60 should cross abuse threshold 40, got %d blocks", len(fw.blocks))
	}
}

func TestHandleAttack_BlacklistPromotion(t *testing.T) {
	dir := t.TempDir()
	blacklistPath := filepath.Join(dir, "blacklist.db")
	if err := blacklist.Create(blacklistPath); err != nil {
		t.Fatal(err)
	}

	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	cfg := DefaultConfig()
	cfg.BlacklistThreshold = 120
	cfg.BlacklistFile = blacklistPath
	e := New(zap.NewNop(), wl, fw, cfg, func(n int) int { return 0 })

	addr, _ := address.Parse("203.0.113.5")
	atk := attackFor(t, "203.0.113.5", 50)

	// Block once (danger 50 >= abuse 40).
	e.HandleAttack(context.Background(), atk)
	e.ForceRelease(context.Background(), addr)
	// Block twice (cumulated offender danger now ~100).
	e.HandleAttack(context.Background(), atk)
	e.ForceRelease(context.Background(), addr)
	// Third block should cross blacklist threshold of 120.
	e.HandleAttack(context.Background(), atk)

	records, err := blacklist.Load(blacklistPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one blacklist record, got %d", len(records))
	}
	if !records[0].Addr.Equal(addr) {
		t.Errorf("blacklisted addr = %v, want %v", records[0].Addr, addr)
	}
}

func TestStartupReblock_BlocksWithoutEnteringOffenders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.db")
	if err := blacklist.Create(path); err != nil {
		t.Fatal(err)
	}
	addr, _ := address.Parse("203.0.113.9")
	if err := blacklist.Append(path, blacklist.Record{Addr: addr, Service: uint32(grammar.ServiceSSH), Hits: 1}); err != nil {
		t.Fatal(err)
	}

	wl := whitelist.New(zap.NewNop())
	fw := &recordingBackend{}
	cfg := DefaultConfig()
	cfg.BlacklistFile = path
	e := New(zap.NewNop(), wl, fw, cfg, func(n int) int { return 0 })

	if err := e.StartupReblock(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fw.blocks) != 1 {
		t.Fatalf("expected 1 startup block, got %d", len(fw.blocks))
	}
	if e.InHell(addr) || len(e.Offenders()) != 0 {
		t.Error("startup reblock must not enter the address into Hell/Offenders")
	}
}
