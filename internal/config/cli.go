package config

import (
	"github.com/jessevdk/go-flags"
)

// CLIOptions is the invocation surface of §6.1, parsed with go-flags
// (the corpus's CLI parsing library, per canonical-snapd's usage).
// Numeric fields default to -1 to distinguish "not passed" from an
// explicit zero, since ApplyCLI must only overlay options the user
// actually set.
type CLIOptions struct {
	Blacklist       string   `short:"b" long:"blacklist" description:"enable blacklist: THRESHOLD:PATH"`
	AbuseThreshold  int      `short:"a" long:"abuse-threshold" default:"-1" description:"abuse threshold in danger units"`
	PardonSeconds   int      `short:"p" long:"pardon-seconds" default:"-1" description:"base pardon duration in seconds"`
	StaleSeconds    int      `short:"s" long:"stale-seconds" default:"-1" description:"limbo staleness in seconds"`
	Whitelist       []string `short:"w" long:"whitelist" description:"whitelist entry: literal, CIDR, hostname, or file path beginning with / or ."`
	ServicePidfiles []string `short:"f" long:"service-pidfile" description:"bind SERVICE:PIDFILE for PID authentication"`
	Sources         []string `short:"l" long:"log-source" description:"log source to tail; - for stdin"`
	Version         bool     `short:"v" long:"version" description:"print version to stderr"`
}

// ParseCLI parses argv (excluding argv[0]) into CLIOptions. go-flags
// handles -h/--help itself by returning flags.ErrHelp.
func ParseCLI(argv []string) (*CLIOptions, error) {
	opts := &CLIOptions{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, err
	}
	return opts, nil
}
