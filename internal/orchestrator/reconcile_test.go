package orchestrator

import (
	"context"
	"reflect"
	"testing"

	"github.com/juju/errors"

	"go.olrik.dev/stm/internal/control"
)

func forwardsIssued(cmds []control.Command, kind control.Kind) []control.Forward {
	var out []control.Forward
	for _, c := range cmds {
		switch cmd := c.(type) {
		case control.ForwardAdd:
			if kind == control.KindForwardAdd {
				out = append(out, cmd.Forward)
			}
		case control.ForwardRemove:
			if kind == control.KindForwardRemove {
				out = append(out, cmd.Forward)
			}
		}
	}
	return out
}

func TestSetTunnel_AnyState(t *testing.T) {
	h := newHarness(t)

	st, err := h.o.SetTunnel("a", pg, true)
	if err != nil {
		t.Fatalf("SetTunnel failed: %v", err)
	}
	if !st.Desired || st.Applied || st.Spec != "5432:localhost:5432" {
		t.Errorf("unexpected status %+v", st)
	}
	if s, _ := h.o.State("a"); s != StateIdle {
		t.Errorf("SetTunnel must not connect, state %s", s)
	}
	if len(h.runner.commands()) != 0 {
		t.Error("SetTunnel must not issue commands")
	}

	again, _ := h.o.SetTunnel("a", pg, false)
	if again.ID != st.ID {
		t.Error("same forward should update the existing tunnel")
	}
}

func TestSetTunnel_Validation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.o.SetTunnel("a", control.Forward{LocalPort: 0, RemoteHost: "x", RemotePort: 1}, true); !errors.Is(err, control.ErrInvalidForward) {
		t.Errorf("expected ErrInvalidForward, got %v", err)
	}
	if _, err := h.o.SetTunnel("zzz", pg, true); !errors.Is(err, ErrUnknownHost) {
		t.Errorf("expected ErrUnknownHost, got %v", err)
	}
}

func TestReconcile_NotConnected(t *testing.T) {
	h := newHarness(t)
	h.o.SetTunnel("a", pg, true)

	_, err := h.o.Reconcile(context.Background(), "a")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := h.o.Reconcile(context.Background(), "b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for host without connection, got %v", err)
	}
	if _, err := h.o.Reconcile(context.Background(), "zzz"); !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("expected ErrUnknownHost, got %v", err)
	}
	if len(h.runner.commands()) != 0 {
		t.Error("no commands expected")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.SetTunnel("a", web, true)
	h.runner.reset()

	report, err := h.o.Reconcile(context.Background(), "a")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if report.Commands != 2 || len(report.Added) != 2 {
		t.Fatalf("unexpected first report %+v", report)
	}

	h.runner.reset()
	report, err = h.o.Reconcile(context.Background(), "a")
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if report.Commands != 0 || len(h.runner.commands()) != 0 {
		t.Errorf("second pass issued commands: %v", h.runner.commands())
	}
}

func TestReconcile_InsertionOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	for _, f := range []control.Forward{web, pg, redis} {
		h.o.SetTunnel("a", f, true)
	}
	h.runner.reset()

	// The middle tunnel fails; later tunnels still run in order.
	h.runner.ok(control.KindForwardAdd)
	h.runner.fail(control.KindForwardAdd, "bind: Address already in use")
	h.o.Reconcile(context.Background(), "a")

	got := forwardsIssued(h.runner.commands(), control.KindForwardAdd)
	want := []control.Forward{web, pg, redis}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("command order = %v, want %v", got, want)
	}
}

func TestReconcile_FailedAddKeepsDesired(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)

	h.runner.fail(control.KindForwardAdd, "mux_client_forward: forwarding request failed: Port forwarding failed")
	report, err := h.o.Reconcile(context.Background(), "a")
	if err != nil {
		t.Fatalf("a tunnel failure must not fail the pass: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Kind != ForwardAddFailed {
		t.Fatalf("unexpected report %+v", report)
	}

	tun := h.tunnel(t, "a", pg)
	if !tun.Desired || tun.Applied {
		t.Fatalf("expected desired=true applied=false, got %+v", tun)
	}
	if tun.LastError != "mux_client_forward: forwarding request failed: Port forwarding failed" {
		t.Errorf("last error not preserved: %q", tun.LastError)
	}

	if _, err := h.o.Reconcile(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	tun = h.tunnel(t, "a", pg)
	if !tun.Applied || tun.LastError != "" {
		t.Errorf("retry should apply and clear the error, got %+v", tun)
	}
}

func TestReconcile_DisableNeverApplied(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.SetTunnel("a", pg, false)
	h.runner.reset()

	report, err := h.o.Reconcile(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if report.Commands != 0 || h.runner.count(control.KindForwardRemove) != 0 {
		t.Errorf("expected no forward-remove, got %v", h.runner.commands())
	}
}

func TestReconcile_Remove(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.Reconcile(context.Background(), "a")
	h.o.SetTunnel("a", pg, false)

	report, err := h.o.Reconcile(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Removed) != 1 {
		t.Fatalf("expected one removal, got %+v", report)
	}
	if tun := h.tunnel(t, "a", pg); tun.Applied || tun.Desired {
		t.Errorf("unexpected tunnel %+v", tun)
	}
}

func TestReconcile_RemoveAlreadyAbsent(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.Reconcile(context.Background(), "a")
	h.o.SetTunnel("a", pg, false)

	h.runner.fail(control.KindForwardRemove, "mux_client_forward: forwarding request failed: port not found")
	report, _ := h.o.Reconcile(context.Background(), "a")

	if len(report.Failed) != 0 || len(report.Removed) != 1 {
		t.Fatalf("absent forward should count as removed, got %+v", report)
	}
	if tun := h.tunnel(t, "a", pg); tun.Applied || tun.LastError != "" {
		t.Errorf("unexpected tunnel %+v", tun)
	}
}

func TestReconcile_RemoveFailureKeepsApplied(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.Reconcile(context.Background(), "a")
	h.o.SetTunnel("a", pg, false)

	h.runner.fail(control.KindForwardRemove, "permission denied")
	report, _ := h.o.Reconcile(context.Background(), "a")

	if len(report.Failed) != 1 || report.Failed[0].Kind != ForwardRemoveFailed {
		t.Fatalf("unexpected report %+v", report)
	}
	if tun := h.tunnel(t, "a", pg); !tun.Applied || tun.LastError != "permission denied" {
		t.Errorf("unexpected tunnel %+v", tun)
	}
}

func TestReconcile_ForwardTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.runner.timeout(control.KindForwardAdd)

	report, _ := h.o.Reconcile(context.Background(), "a")
	if len(report.Failed) != 1 || report.Failed[0].Kind != Timeout {
		t.Fatalf("expected timeout failure, got %+v", report)
	}
}

func TestReconcile_LocalPortBusy(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.PortAvailable = func(port int) bool { return port != pg.LocalPort }
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.SetTunnel("a", web, true)
	h.runner.reset()

	report, _ := h.o.Reconcile(context.Background(), "a")
	if got := forwardsIssued(h.runner.commands(), control.KindForwardAdd); !reflect.DeepEqual(got, []control.Forward{web}) {
		t.Errorf("busy port must not be sent to ssh, got %v", got)
	}
	if len(report.Failed) != 1 || report.Failed[0].Reason != "local port 5432 already in use" {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestReconcile_StopsWhenConnectionLost(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	for _, f := range []control.Forward{pg, web, redis} {
		h.o.SetTunnel("a", f, true)
	}
	h.runner.reset()

	// The master dies while the first forward is being added.
	h.runner.onRun = func(cmd control.Command) {
		if cmd.Kind() != control.KindForwardAdd {
			return
		}
		h.o.mu.Lock()
		h.o.fail(h.o.conns["a"], HealthCheckFailed, "master exited")
		h.o.mu.Unlock()
	}

	report, err := h.o.Reconcile(context.Background(), "a")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if report.Commands != 1 || h.runner.count(control.KindForwardAdd) != 1 {
		t.Errorf("expected issuance to stop after the first command, got %v", h.runner.commands())
	}
	for _, tun := range h.status(t, "a").Tunnels {
		if tun.Applied {
			t.Errorf("tunnel %s applied on a failed connection", tun.Spec)
		}
		if !tun.Desired {
			t.Errorf("tunnel %s lost its desired flag", tun.Spec)
		}
	}
}

func TestDeleteTunnel(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.SetTunnel("a", web, false)
	h.o.Reconcile(context.Background(), "a")

	// Never applied: dropped right away.
	if err := h.o.DeleteTunnel("a", web); err != nil {
		t.Fatal(err)
	}
	if n := len(h.status(t, "a").Tunnels); n != 1 {
		t.Fatalf("expected 1 tunnel, got %d", n)
	}

	// Applied: kept until cancelled.
	if err := h.o.DeleteTunnel("a", pg); err != nil {
		t.Fatal(err)
	}
	if tun := h.tunnel(t, "a", pg); !tun.Deleting || !tun.Applied {
		t.Fatalf("expected pending delete, got %+v", tun)
	}

	h.runner.reset()
	report, _ := h.o.Reconcile(context.Background(), "a")
	if len(report.Removed) != 1 || h.runner.count(control.KindForwardRemove) != 1 {
		t.Fatalf("expected one cancel, got %v", h.runner.commands())
	}
	if n := len(h.status(t, "a").Tunnels); n != 0 {
		t.Errorf("expected tunnel to be gone, %d left", n)
	}

	if err := h.o.DeleteTunnel("a", pg); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("expected ErrUnknownTunnel, got %v", err)
	}
}

func TestDeleteTunnel_DroppedOnFailure(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)
	h.o.Reconcile(context.Background(), "a")
	h.o.DeleteTunnel("a", pg)

	h.runner.fail(control.KindHealthCheck, "dead")
	h.o.Probe(context.Background(), "a")

	if n := len(h.status(t, "a").Tunnels); n != 0 {
		t.Errorf("pending delete should be dropped once the master is gone, %d left", n)
	}
}

func TestResolveTunnel(t *testing.T) {
	h := newHarness(t)
	st, _ := h.o.SetTunnel("a", pg, true)
	h.o.SetTunnel("a", web, true)

	if f, err := h.o.ResolveTunnel("a", "5432:localhost:5432"); err != nil || f != pg {
		t.Errorf("by spec: %v %v", f, err)
	}
	if f, err := h.o.ResolveTunnel("a", st.ID.String()[:8]); err != nil || f != pg {
		t.Errorf("by id prefix: %v %v", f, err)
	}
	if _, err := h.o.ResolveTunnel("a", "9999:localhost:1"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("expected ErrUnknownTunnel, got %v", err)
	}
	if _, err := h.o.ResolveTunnel("b", "5432"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("expected ErrUnknownTunnel, got %v", err)
	}
}

func TestReconcile_WaitingPassSeesLatestDesired(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.o.SetTunnel("a", pg, true)

	release := h.runner.hold(control.KindForwardAdd, h.socket(t, "a"))
	first := make(chan ReconcileReport, 1)
	go func() {
		r, _ := h.o.Reconcile(context.Background(), "a")
		first <- r
	}()
	waitFor(t, "first forward add", func() bool { return h.runner.count(control.KindForwardAdd) == 1 })

	// Queued behind the running pass.
	setDone := make(chan struct{})
	go func() {
		h.o.SetTunnel("a", web, true)
		close(setDone)
	}()
	second := make(chan ReconcileReport, 1)
	go func() {
		<-setDone
		r, _ := h.o.Reconcile(context.Background(), "a")
		second <- r
	}()

	release()
	r1 := <-first
	r2 := <-second

	if !reflect.DeepEqual(r1.Added, []control.Forward{pg}) {
		t.Errorf("first pass added %v", r1.Added)
	}
	if !reflect.DeepEqual(r2.Added, []control.Forward{web}) {
		t.Errorf("second pass should only add the new tunnel, got %v", r2.Added)
	}
}
