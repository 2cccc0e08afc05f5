// Package address implements the typed v4/v6 attacker address model (§3,
// component A of the system design).
//
// An Address is a tagged value: a family plus a canonical textual form.
// Equality is by (family, canonical bytes) — two literal spellings of the
// same address (e.g. "::1" and "0:0:0:0:0:0:0:1") compare equal.
package address

import (
	"fmt"
	"net/netip"
)

// Family identifies whether an Address is IPv4 or IPv6.
type Family uint8

const (
	// V4 marks a dotted-quad IPv4 address.
	V4 Family = 4
	// V6 marks an RFC 5952 canonical-form IPv6 address.
	V6 Family = 6
)

// String returns "4" or "6", matching the SSHG_ADDRKIND contract of §6.3.
func (f Family) String() string {
	switch f {
	case V4:
		return "4"
	case V6:
		return "6"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Address is a canonicalized network address: the unit the whole system
// tracks, scores, blocks, and persists.
type Address struct {
	family Family
	addr   netip.Addr
}

// Parse interprets a literal IPv4 or IPv6 text form. It does not attempt
// hostname resolution; see the grammar and whitelist packages for that.
func Parse(s string) (Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("address.Parse(%q): %w", s, err)
	}
	return FromNetip(a), nil
}

// FromNetip wraps an already-parsed netip.Addr, unmapping 4-in-6 forms so
// that a dual-stack listener never reports an IPv4 peer as V6.
func FromNetip(a netip.Addr) Address {
	a = a.Unmap()
	fam := V6
	if a.Is4() {
		fam = V4
	}
	return Address{family: fam, addr: a}
}

// Family reports whether this address is V4 or V6.
func (a Address) Family() Family { return a.family }

// IsValid reports whether the Address carries a real value (the zero
// Address is invalid and never matches anything).
func (a Address) IsValid() bool { return a.addr.IsValid() }

// String returns the canonical textual form: dotted quad for V4, RFC 5952
// compressed form for V6.
func (a Address) String() string {
	if !a.addr.IsValid() {
		return ""
	}
	return a.addr.String()
}

// Netip exposes the underlying netip.Addr, e.g. for CIDR containment
// checks in the whitelist package.
func (a Address) Netip() netip.Addr { return a.addr }

// Equal compares by family and canonical bytes.
func (a Address) Equal(other Address) bool {
	return a.family == other.family && a.addr == other.addr
}

// IsLoopback reports whether the address is a loopback address (used to
// implicitly whitelist 127.0.0.1 per §4.B).
func (a Address) IsLoopback() bool {
	return a.addr.IsValid() && a.addr.IsLoopback()
}
