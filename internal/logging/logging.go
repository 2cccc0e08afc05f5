// Package logging builds sshguardd's single *zap.Logger per the ambient
// stack: JSON to stderr by default, a human-readable console encoder when
// SSHGUARD_DEBUG is set, and a syslog-backed zapcore.Core tee when running
// under a service manager without a controlling TTY and SSHGUARD_DEBUG is
// unset. This is the "logging sink" the distilled spec leaves outside its
// core contract, built from the teacher's zap usage plus the standard
// library's log/syslog (no third-party syslog client appears anywhere in
// the reference corpus, so this narrow adapter is stdlib by necessity).
package logging

import (
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugEnvVar is checked for presence (not value) per §6.1.
const DebugEnvVar = "SSHGUARD_DEBUG"

// Build constructs the daemon's logger. hasTTY should reflect whether
// stderr is a controlling terminal; callers typically pass the result of
// checking os.Stderr's mode, injected here so tests can force both paths.
func Build(hasTTY bool) (*zap.Logger, error) {
	debug := os.Getenv(DebugEnvVar) != ""

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if debug {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	stderrCore := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	core := zapcore.Core(stderrCore)

	if !debug && !hasTTY {
		if syslogCore, err := newSyslogCore(level); err == nil {
			core = zapcore.NewTee(stderrCore, syslogCore)
		}
	}

	return zap.New(core, zap.AddCaller()), nil
}

// syslogCore adapts a syslog.Writer to zapcore.Core via a WriteSyncer,
// matching §6's "logging sink: a Write(level, msg) sink" contract.
type syslogWriter struct {
	w *syslog.Writer
}

func (s syslogWriter) Write(p []byte) (int, error) {
	return len(p), s.w.Info(string(p))
}

func (s syslogWriter) Sync() error { return nil }

func newSyslogCore(level zapcore.LevelEnabler) (zapcore.Core, error) {
	w, err := syslog.New(syslog.LOG_AUTH|syslog.LOG_WARNING, "sshguardd")
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = ""
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), syslogWriter{w: w}, level), nil
}

// HasControllingTTY reports whether os.Stderr appears to be a terminal,
// using the same character-device heuristic as the teacher's fsnotify
// fallback checks elsewhere in this codebase (os.FileInfo.Mode()).
func HasControllingTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
