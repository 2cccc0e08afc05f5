package grammar

import "regexp"

// banner holds what was stripped from the front of a line before matching
// an attack phrase: the reporting program, an optional PID (§4.F: "If the
// line carried a PID (from the syslog banner)..."), and the remainder.
type banner struct {
	prog string
	pid  int // 0 if absent
	rest string
}

// syslogRe matches a classic BSD syslog banner: "Mon  2 15:04:05 host prog[pid]: msg".
var syslogRe = regexp.MustCompile(`^[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\S+\s+([\w./-]+)(?:\[(\d+)\])?:\s*(.*)$`)

// tai64Re matches a TAI64-labelled line: "@400000005f... msg".
var tai64Re = regexp.MustCompile(`^@[0-9a-fA-F]{24}\s+(.*)$`)

// metalogRe matches metalog's compact banner: "Mon  2 15:04:05 prog[pid]: msg"
// (no separate hostname field).
var metalogRe = regexp.MustCompile(`^[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+([\w./-]+)(?:\[(\d+)\])?:\s*(.*)$`)

// stripBanner removes an optional banner prefix per §4.F's input format and
// returns the program name, PID (0 if absent), and the remaining text.
// If no recognized banner is present, the whole line is returned as rest.
func stripBanner(line string) banner {
	if m := syslogRe.FindStringSubmatch(line); m != nil {
		return banner{prog: m[1], pid: atoiOrZero(m[2]), rest: m[3]}
	}
	if m := tai64Re.FindStringSubmatch(line); m != nil {
		return banner{rest: m[1]}
	}
	if m := metalogRe.FindStringSubmatch(line); m != nil {
		return banner{prog: m[1], pid: atoiOrZero(m[2]), rest: m[3]}
	}
	return banner{rest: line}
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
