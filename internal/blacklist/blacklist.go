// Package blacklist implements the persisted, versioned offender store of
// §3 and §4.D: a fixed-width, big-endian record format, one record per
// chronic offender, appended to a single file that is re-read on startup
// to reblock every listed address before the first log line is tailed.
//
// This is the only state the daemon persists across restarts; everything
// else (§3's Limbo/Hell/Offenders sets) is explicitly volatile.
package blacklist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-sshguard/sshguardd/internal/address"
)

// addrFieldLen is sized for the longest textual address form: an RFC 5952
// IPv6 address, e.g. "0000:0000:0000:0000:0000:0000:0000:0000" is never
// produced by netip's canonical form, but we size for the worst case
// uncompressed form plus zone, rounded up.
const addrFieldLen = 46

// recordLen is the fixed on-disk size of one record:
//
//	[addr(46) | variant(4) | service(4) | first_seen(4) | last_seen(4) | pardon_duration(4) | hits(4)]
const recordLen = addrFieldLen + 4*6

// Record is the persisted form of a chronic offender.
type Record struct {
	Addr           address.Address
	Service        uint32 // numeric service code, see grammar.Service
	FirstSeen      time.Time
	LastSeen       time.Time
	PardonDuration time.Duration // 0 means "never" (blacklisted forever)
	Hits           uint32
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, recordLen)
	addrText := r.Addr.String()
	copy(buf[0:addrFieldLen], addrText)

	variant := uint32(4)
	if r.Addr.Family() == address.V6 {
		variant = 6
	}
	off := addrFieldLen
	binary.BigEndian.PutUint32(buf[off:], variant)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.Service)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(r.FirstSeen.Unix()))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(r.LastSeen.Unix()))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(r.PardonDuration.Seconds()))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], r.Hits)
	return buf
}

func decodeRecord(buf []byte) (Record, error) {
	if len(buf) != recordLen {
		return Record{}, fmt.Errorf("blacklist: short record (%d bytes, want %d)", len(buf), recordLen)
	}
	addrText := trimNulls(buf[0:addrFieldLen])
	a, err := address.Parse(addrText)
	if err != nil {
		return Record{}, fmt.Errorf("blacklist: decode address %q: %w", addrText, err)
	}

	off := addrFieldLen
	_ = binary.BigEndian.Uint32(buf[off:]) // variant, redundant with a.Family(); validated implicitly
	off += 4
	service := binary.BigEndian.Uint32(buf[off:])
	off += 4
	firstSeen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	lastSeen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	pardon := binary.BigEndian.Uint32(buf[off:])
	off += 4
	hits := binary.BigEndian.Uint32(buf[off:])

	return Record{
		Addr:           a,
		Service:        service,
		FirstSeen:      time.Unix(int64(firstSeen), 0).UTC(),
		LastSeen:       time.Unix(int64(lastSeen), 0).UTC(),
		PardonDuration: time.Duration(pardon) * time.Second,
		Hits:           hits,
	}, nil
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Create creates an empty blacklist file at path. Fails if the file
// already exists, matching §4.D's "create(path) — empty file".
func Create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("blacklist.Create(%q): %w", path, err)
	}
	return f.Close()
}

// Load reads every record from path in file order. Returns
// (nil, os.ErrNotExist) if the file is absent, per §4.D.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("blacklist.Load(%q): %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []Record
	buf := make([]byte, recordLen)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("blacklist.Load(%q): %w", path, err)
		}
		rec, err := decodeRecord(buf)
		if err != nil {
			return records, fmt.Errorf("blacklist.Load(%q): %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Contains reports whether path already has a record for a. The blacklist
// is expected to stay small, so this is a straightforward linear scan
// (§4.D: "contains is linear").
func Contains(path string, a address.Address) (bool, error) {
	records, err := Load(path)
	if err != nil {
		if err == os.ErrNotExist {
			return false, nil
		}
		return false, err
	}
	for _, r := range records {
		if r.Addr.Equal(a) {
			return true, nil
		}
	}
	return false, nil
}

// Append atomically appends one serialized record to path. Uses O_APPEND
// so concurrent single-writer appends land whole or not at all on POSIX
// filesystems for writes under PIPE_BUF-scale sizes (our record is 70
// bytes, comfortably under that bound).
func Append(path string, r Record) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("blacklist.Append(%q): %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(encodeRecord(r)); err != nil {
		return fmt.Errorf("blacklist.Append(%q): %w", path, err)
	}
	return f.Sync()
}
