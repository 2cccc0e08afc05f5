package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/go-sshguard/sshguardd/internal/address"
	"github.com/go-sshguard/sshguardd/internal/firewall"
	"github.com/go-sshguard/sshguardd/internal/grammar"
	"github.com/go-sshguard/sshguardd/internal/offender"
	"github.com/go-sshguard/sshguardd/internal/whitelist"
)

func startTestServer(t *testing.T, reload WhitelistReloader) (*offender.Engine, string) {
	t.Helper()
	wl := whitelist.New(zap.NewNop())
	fw := &firewall.NullBackend{}
	e := offender.New(zap.NewNop(), wl, fw, offender.DefaultConfig(), func(n int) int { return 0 })

	sockPath := filepath.Join(t.TempDir(), "operator.sock")
	srv := NewServer(sockPath, e, reload, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := net.Dial("unix", sockPath); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		_ = srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("operator socket never became ready")
	}
	return e, sockPath
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestStatus_ReportsCounts(t *testing.T) {
	_, sockPath := startTestServer(t, nil)
	resp := roundTrip(t, sockPath, Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	if resp.LimboSize != 0 || resp.HellSize != 0 || resp.Suspended {
		t.Errorf("unexpected initial status: %+v", resp)
	}
}

func TestSuspendResume_TogglesFlag(t *testing.T) {
	e, sockPath := startTestServer(t, nil)

	resp := roundTrip(t, sockPath, Request{Cmd: "suspend"})
	if !resp.OK || !resp.Suspended {
		t.Fatalf("suspend failed: %+v", resp)
	}
	if !e.Suspended() {
		t.Error("engine should report suspended")
	}

	resp = roundTrip(t, sockPath, Request{Cmd: "resume"})
	if !resp.OK || resp.Suspended {
		t.Fatalf("resume failed: %+v", resp)
	}
}

func TestRelease_UnknownAddrIsNoop(t *testing.T) {
	_, sockPath := startTestServer(t, nil)
	resp := roundTrip(t, sockPath, Request{Cmd: "release", Addr: "203.0.113.5"})
	if !resp.OK {
		t.Fatalf("release of unblocked address should not error, got %s", resp.Error)
	}
}

func TestRelease_MissingAddrErrors(t *testing.T) {
	_, sockPath := startTestServer(t, nil)
	resp := roundTrip(t, sockPath, Request{Cmd: "release"})
	if resp.OK {
		t.Error("release without addr should fail")
	}
}

func TestList_ReflectsBlockedOffenders(t *testing.T) {
	e, sockPath := startTestServer(t, nil)

	atk, err := addrAttack("203.0.113.9", 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleAttack(context.Background(), atk); err != nil {
		t.Fatal(err)
	}

	resp := roundTrip(t, sockPath, Request{Cmd: "list"})
	if !resp.OK || len(resp.Offenders) != 1 {
		t.Fatalf("expected one offender, got %+v", resp)
	}
	if resp.Offenders[0].Addr != "203.0.113.9" {
		t.Errorf("offender addr = %q", resp.Offenders[0].Addr)
	}
}

func TestUnknownCommand_Errors(t *testing.T) {
	_, sockPath := startTestServer(t, nil)
	resp := roundTrip(t, sockPath, Request{Cmd: "bogus"})
	if resp.OK {
		t.Error("unknown command should fail")
	}
}

func TestReloadWhitelist_NilReloaderErrors(t *testing.T) {
	_, sockPath := startTestServer(t, nil)
	resp := roundTrip(t, sockPath, Request{Cmd: "reload-whitelist"})
	if resp.OK {
		t.Error("reload with nil callback should fail")
	}
}

func TestReloadWhitelist_InvokesCallback(t *testing.T) {
	var called bool
	reload := func(ctx context.Context) error {
		called = true
		return nil
	}
	_, sockPath := startTestServer(t, reload)
	resp := roundTrip(t, sockPath, Request{Cmd: "reload-whitelist"})
	if !resp.OK {
		t.Fatalf("reload failed: %s", resp.Error)
	}
	if !called {
		t.Error("reload callback was not invoked")
	}
}

func addrAttack(text string, danger int) (grammar.Attack, error) {
	a, err := address.Parse(text)
	if err != nil {
		return grammar.Attack{}, err
	}
	return grammar.Attack{Addr: a, Service: grammar.ServiceSSH, Danger: danger, Kind: "ssh-invalid-user"}, nil
}
