// Package operator — server.go
//
// Unix domain socket server for sshguardd operator control, the
// supplemental feature described alongside the audit ledger: a way to
// inspect and intervene in the offender engine's Limbo/Hell/Offenders
// sets without restarting the daemon.
//
// Protocol: one JSON request per connection, one JSON response, newline
// terminated.
// Socket path: /run/sshguardd/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status"}
//	  -> Overall counts and suspend state.
//	  -> {"ok":true,"limbo_size":3,"hell_size":1,"offenders_total":4,"suspended":false}
//
//	{"cmd":"list"}
//	  -> Current Offenders (O), newest first.
//	  -> {"ok":true,"offenders":[{"addr":"203.0.113.5","service":"SSH","hits":2,...}]}
//
//	{"cmd":"release","addr":"203.0.113.5"}
//	  -> Force-releases addr from Hell regardless of pardon elapsed.
//	  -> {"ok":true,"addr":"203.0.113.5"}
//
//	{"cmd":"suspend"}   / {"cmd":"resume"}
//	  -> Flips the engine's suspend flag (§4.G); the supervisor is
//	     expected to stop/resume feeding it lines accordingly.
//	  -> {"ok":true,"suspended":true}
//
//	{"cmd":"reload-whitelist"}
//	  -> Rebuilds the whitelist from its configured sources.
//	  -> {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/offender"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// OffenderRecord is the wire representation of offender.OffenderRecord.
type OffenderRecord struct {
	Addr            string `json:"addr"`
	Service         string `json:"service"`
	Hits            uint32 `json:"hits"`
	CumulatedDanger int    `json:"cumulated_danger"`
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd  string `json:"cmd"`
	Addr string `json:"addr,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK             bool             `json:"ok"`
	Error          string           `json:"error,omitempty"`
	Addr           string           `json:"addr,omitempty"`
	LimboSize      int              `json:"limbo_size,omitempty"`
	HellSize       int              `json:"hell_size,omitempty"`
	OffendersTotal int              `json:"offenders_total,omitempty"`
	Suspended      bool             `json:"suspended"`
	Offenders      []OffenderRecord `json:"offenders,omitempty"`
}

// WhitelistReloader rebuilds the whitelist from its configured sources.
// Supplied by the supervisor, which owns the whitelist's construction
// arguments (CLI -w values, resolver).
type WhitelistReloader func(ctx context.Context) error

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	engine     *offender.Engine
	reload     WhitelistReloader
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server. reload may be nil, in which case
// "reload-whitelist" requests fail with an error response.
func NewServer(socketPath string, engine *offender.Engine, reload WhitelistReloader, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		reload:     reload,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "list":
		return s.cmdList()
	case "release":
		return s.cmdRelease(ctx, req)
	case "suspend":
		s.engine.Suspend()
		s.log.Info("operator: engine suspended")
		return Response{OK: true, Suspended: true}
	case "resume":
		s.engine.Resume()
		s.log.Info("operator: engine resumed")
		return Response{OK: true, Suspended: false}
	case "reload-whitelist":
		return s.cmdReloadWhitelist(ctx)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		OK:             true,
		LimboSize:      s.engine.LimboLen(),
		HellSize:       s.engine.HellLen(),
		OffendersTotal: len(s.engine.Offenders()),
		Suspended:      s.engine.Suspended(),
	}
}

func (s *Server) cmdList() Response {
	raw := s.engine.Offenders()
	out := make([]OffenderRecord, len(raw))
	for i, o := range raw {
		out[i] = OffenderRecord{
			Addr:            o.Addr.String(),
			Service:         o.Service.String(),
			Hits:            o.Hits,
			CumulatedDanger: o.CumulatedDanger,
		}
	}
	return Response{OK: true, Offenders: out}
}

func (s *Server) cmdRelease(ctx context.Context, req Request) Response {
	if req.Addr == "" {
		return Response{OK: false, Error: "addr required for release"}
	}
	a, err := address.Parse(req.Addr)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("invalid address %q: %v", req.Addr, err)}
	}
	if _, err := s.engine.ForceRelease(ctx, a); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: forced release", zap.String("addr", req.Addr))
	return Response{OK: true, Addr: req.Addr}
}

func (s *Server) cmdReloadWhitelist(ctx context.Context) Response {
	if s.reload == nil {
		return Response{OK: false, Error: "whitelist reload not configured"}
	}
	if err := s.reload(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: whitelist reloaded")
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
