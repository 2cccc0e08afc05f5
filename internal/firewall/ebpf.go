package firewall

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/grammar"
)

// blockedMapName is the name of the pinned eBPF map a companion
// packet-filter program (attached separately, e.g. via tc or XDP) keys
// its drop decisions from. This backend only maintains that map's
// contents; it assumes the filter program itself is already loaded and
// reading from the same pin, matching the teacher's "load once, reuse
// pinned maps across restarts" loader contract.
const blockedMapName = "sshguard_blocked"

// mapKey mirrors the packet-filter program's lookup key: 16 bytes holding
// either a v4-mapped or native v6 address, keyed uniformly so the BPF side
// needs no variant branch.
type mapKey [16]byte

func keyFor(a address.Address) mapKey {
	var k mapKey
	b := a.Netip().As16()
	copy(k[:], b[:])
	return k
}

// EBPFBackend blocks and releases addresses by inserting/removing entries
// in a pinned eBPF map, grounded on the teacher's CO-RE loader pattern in
// internal/bpf/loader.go (pin reuse across restarts, BPF filesystem
// preflight check), generalized from a process-state map to an
// address-keyed blocklist map.
type EBPFBackend struct {
	pinPath string
	log     *zap.Logger
	blocked *ebpf.Map
}

// NewEBPFBackend constructs a backend that will load its map from
// pinPath/sshguard_blocked on Init.
func NewEBPFBackend(pinPath string, log *zap.Logger) *EBPFBackend {
	return &EBPFBackend{pinPath: pinPath, log: log}
}

func (e *EBPFBackend) Init(ctx context.Context) error {
	if err := checkBPFFS(e.pinPath); err != nil {
		return fmt.Errorf("firewall: bpf filesystem check failed: %w", err)
	}
	m, err := ebpf.LoadPinnedMap(e.pinPath+"/"+blockedMapName, nil)
	if err != nil {
		return fmt.Errorf("firewall: load pinned map %s: %w", blockedMapName, err)
	}
	e.blocked = m
	return nil
}

func (e *EBPFBackend) Finalize(ctx context.Context) error {
	if e.blocked == nil {
		return nil
	}
	return e.blocked.Close()
}

// Block inserts a into the blocked map. The map value carries no
// information beyond presence; service is recorded only for logging since
// the packet filter blocks at the address level, not per-service.
func (e *EBPFBackend) Block(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	if e.blocked == nil {
		return Error, errors.New("firewall: ebpf backend not initialized")
	}
	key := keyFor(a)
	if err := e.blocked.Put(key, uint8(1)); err != nil {
		e.log.Error("firewall: ebpf map insert failed", zap.String("addr", a.String()), zap.Error(err))
		return Error, err
	}
	return OK, nil
}

// BlockBatch inserts many addresses with ebpf.BatchAPI when the kernel
// supports it, falling back to a loop otherwise.
func (e *EBPFBackend) BlockBatch(ctx context.Context, addrs []address.Address, s grammar.Service) (Result, error) {
	if e.blocked == nil {
		return Error, errors.New("firewall: ebpf backend not initialized")
	}
	if len(addrs) == 0 {
		return OK, nil
	}
	keys := make([]mapKey, len(addrs))
	vals := make([]uint8, len(addrs))
	for i, a := range addrs {
		keys[i] = keyFor(a)
		vals[i] = 1
	}
	if _, err := e.blocked.BatchUpdate(keys, vals, nil); err != nil {
		e.log.Warn("firewall: batch update unsupported by kernel, falling back to per-address inserts", zap.Error(err))
		for i, a := range addrs {
			if _, err := e.Block(ctx, a, s); err != nil {
				return Error, err
			}
		}
	}
	return OK, nil
}

func (e *EBPFBackend) Release(ctx context.Context, a address.Address, s grammar.Service) (Result, error) {
	if e.blocked == nil {
		return Error, errors.New("firewall: ebpf backend not initialized")
	}
	key := keyFor(a)
	if err := e.blocked.Delete(key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return OK, nil
		}
		e.log.Error("firewall: ebpf map delete failed", zap.String("addr", a.String()), zap.Error(err))
		return Error, err
	}
	return OK, nil
}

// FlushAll is Unsupported: the companion filter program owns the map's
// full contents across restarts by design, so a wholesale clear is
// deliberately not exposed through this backend.
func (e *EBPFBackend) FlushAll(ctx context.Context) (Result, error) {
	return Unsupported, nil
}

// checkBPFFS verifies path is a bpffs mount, mirroring the teacher's
// checkBPFFS preflight.
func checkBPFFS(path string) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", path, err)
	}
	const bpffsMagic = 0xcafe4a11
	if int64(stat.Type) != bpffsMagic {
		return fmt.Errorf("%s is not a bpffs mount", path)
	}
	return nil
}
