// Package procauth implements the process authenticator of §4.C: it
// verifies that a PID claimed by a syslog banner belongs to, or descends
// from, the process that owns a registered service's pidfile.
//
// Descendancy is resolved by walking /proc via prometheus/procfs. When
// process-table inspection is unavailable (non-Linux, sandboxed, /proc not
// mounted), the answer is Unknown and the grammar treats the line as
// authoritative — fail-open, to preserve coverage when hardening is
// impossible. If inspection succeeds and descendancy is disproved, the
// caller drops the line — fail-closed for that one line only.
package procauth

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Verdict is the three-valued answer to "is this PID authoritative?".
type Verdict int

const (
	// Unknown means process-table inspection was not possible; treat the
	// claim as authoritative (fail-open).
	Unknown Verdict = iota
	// Yes means the claimed PID is, or descends from, the registered PID.
	Yes
	// No means inspection succeeded and disproved descendancy.
	No
)

// Authenticator binds service names to pidfile paths and answers
// descendancy queries against the live process table.
type Authenticator struct {
	log   *zap.Logger
	fs    procfs.FS
	hasFS bool

	mu       sync.RWMutex
	pidfiles map[string]string // service -> pidfile path
}

// New constructs an Authenticator. If /proc cannot be mounted/read, fs
// inspection is disabled for the lifetime of the Authenticator and every
// query answers Unknown.
func New(log *zap.Logger) *Authenticator {
	a := &Authenticator{log: log, pidfiles: make(map[string]string)}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		log.Warn("procauth: /proc inspection unavailable, PID claims will fail open", zap.Error(err))
		return a
	}
	a.fs = fs
	a.hasFS = true
	return a
}

// Register binds a service code to the path of the pidfile that names its
// authoritative controlling process (§6.1, -f SERVICE:PIDFILE).
func (a *Authenticator) Register(service, pidfilePath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pidfiles[service] = pidfilePath
}

// IsAuthoritative answers whether claimedPID is, or descends from, the PID
// currently written in the registered pidfile for service. If service has
// no registered pidfile, the claim is trivially authoritative (PID
// authentication was never opted into for this service).
func (a *Authenticator) IsAuthoritative(service string, claimedPID int) Verdict {
	a.mu.RLock()
	path, bound := a.pidfiles[service]
	a.mu.RUnlock()
	if !bound {
		return Yes
	}

	rootPID, err := readPidfile(path)
	if err != nil {
		a.log.Warn("procauth: cannot read pidfile", zap.String("service", service),
			zap.String("path", path), zap.Error(err))
		return Unknown
	}
	if !processAlive(rootPID) {
		a.log.Warn("procauth: pidfile names a dead process, treating as stale",
			zap.String("service", service), zap.Int("pid", rootPID))
		return Unknown
	}
	if claimedPID == rootPID {
		return Yes
	}
	if !a.hasFS {
		return Unknown
	}
	return a.isDescendant(claimedPID, rootPID)
}

// isDescendant walks claimedPID's ancestry via PPID links, bounded to avoid
// spinning on a corrupted /proc snapshot (pid 1's parent is itself).
func (a *Authenticator) isDescendant(pid, root int) Verdict {
	const maxDepth = 64
	current := pid
	sawAny := false
	for depth := 0; depth < maxDepth; depth++ {
		proc, err := a.fs.Proc(current)
		if err != nil {
			if sawAny {
				return No // the chain existed but terminated before reaching root
			}
			return Unknown
		}
		stat, err := proc.Stat()
		if err != nil {
			return Unknown
		}
		sawAny = true
		if current == root {
			return Yes
		}
		if stat.PPID == current || stat.PPID <= 1 {
			break
		}
		current = stat.PPID
	}
	if current == root {
		return Yes
	}
	return No
}

// processAlive sends the null signal per kill(2) to check liveness without
// affecting the target, catching a pidfile left behind by a crashed or
// restarted service before its ancestry is ever walked.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// readPidfile reads and trims the PID written by a service's init system.
func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("readPidfile(%q): %w", path, err)
	}
	text := strings.TrimSpace(string(bytes.TrimRight(data, "\x00")))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("readPidfile(%q): not an integer: %w", path, err)
	}
	return pid, nil
}
