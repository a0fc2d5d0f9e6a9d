package tcp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/soypat/tcpengine/ipv4"
)

type sequentialRNG struct{ next uint32 }

func (r *sequentialRNG) NextU32() uint32 {
	r.next++
	return r.next * 7919
}

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	lst, err := NewListener(1460, 100, 10, SYNCookieConfig{Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	return lst
}

// TestScenario1_PassiveOpen covers spec.md section 8 scenario 1: a SYN to a
// listening port creates a connection in Syn_received and replies SYN|ACK.
func TestScenario1_PassiveOpen(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	eng.Listen(80, newTestListener(t))

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	seg := Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096}

	reply, ok := eng.Handle(time.Now(), id, seg)
	if !ok {
		t.Fatal("expected a SYN|ACK reply")
	}
	if reply.Flags != synack {
		t.Fatalf("reply flags = %s, want SYN|ACK", reply.Flags)
	}
	if reply.ACK != 1001 {
		t.Fatalf("reply.ack = %d, want 1001", reply.ACK)
	}
	tcb, found := eng.Lookup(id)
	if !found {
		t.Fatal("expected connection to be tracked")
	}
	if tcb.State() != StateSynRcvd {
		t.Fatalf("state = %s, want Syn_received", tcb.State())
	}
	if tcb.IRS() != 1000 || tcb.RecvNext() != 1001 {
		t.Fatalf("irs=%d rcv.nxt=%d, want irs=1000 rcv.nxt=1001", tcb.IRS(), tcb.RecvNext())
	}
	if reply.SEQ != tcb.ISS() {
		t.Fatalf("reply.seq = %d, want tcb.ISS() = %d", reply.SEQ, tcb.ISS())
	}
}

// TestScenario2_NonSYNToListener covers spec.md section 8 scenario 2: a
// non-SYN segment to a listening port with no existing connection gets a
// stateless reset and no connection is created.
func TestScenario2_NonSYNToListener(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	eng.Listen(80, newTestListener(t))

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	seg := Segment{SEQ: 5, ACK: 9, Flags: FlagACK}

	reply, ok := eng.Handle(time.Now(), id, seg)
	if !ok {
		t.Fatal("expected a reset reply")
	}
	if reply.Flags != FlagRST {
		t.Fatalf("reply flags = %s, want RST", reply.Flags)
	}
	if _, found := eng.Lookup(id); found {
		t.Fatal("no connection should have been created")
	}
}

func TestNoConnHandler_UnknownPortDropsWithReset(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})

	id := ConnID{LocalPort: 9999, RemotePort: 4000}
	seg := Segment{SEQ: 1000, Flags: FlagSYN}
	reply, ok := eng.Handle(time.Now(), id, seg)
	if !ok {
		t.Fatal("expected a reset reply for an unknown port")
	}
	if reply.Flags != (FlagRST | FlagACK) {
		t.Fatalf("reply flags = %s, want RST|ACK", reply.Flags)
	}
}

func TestEngine_SynCookieFallbackUnderPressure(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	lst, err := NewListener(1460, 0, 0, SYNCookieConfig{Rand: rand.New(rand.NewSource(42))})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	eng.Listen(80, lst)

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	seg := Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096}

	reply, ok := eng.Handle(time.Now(), id, seg)
	if !ok {
		t.Fatal("expected a SYN|ACK cookie reply")
	}
	if reply.Flags != synack {
		t.Fatalf("reply flags = %s, want SYN|ACK", reply.Flags)
	}
	if _, found := eng.Lookup(id); found {
		t.Fatal("a cookie-based reply must not allocate a ControlBlock")
	}

	// Complete the handshake with the final ACK; the engine must validate the
	// cookie and materialize an Established connection without ever having
	// stored half-open state.
	final := Segment{SEQ: reply.ACK, ACK: reply.SEQ + 1, Flags: FlagACK, WND: 4096}
	_, hasReply := eng.Handle(time.Now(), id, final)
	if hasReply {
		t.Fatal("a successful cookie completion has no reply")
	}
	tcb, found := eng.Lookup(id)
	if !found {
		t.Fatal("expected the connection to be materialized from the cookie")
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, want Established", tcb.State())
	}
}

func TestEngine_ChallengeAckRateLimited(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	lst := newTestListener(t)
	eng.Listen(80, lst)

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	_, _ = eng.Handle(time.Now(), id, Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096})
	tcb, _ := eng.Lookup(id)
	tcb._state = StateEstablished
	tcb.rcv.WND = 8192

	seg := Segment{SEQ: tcb.rcv.NXT, Flags: FlagSYN, WND: 4096}
	gotReply := 0
	for i := 0; i < 5; i++ {
		_, ok := eng.Handle(time.Now(), id, seg)
		if ok {
			gotReply++
		}
	}
	if gotReply == 0 {
		t.Fatal("expected at least one challenge ACK before the limiter kicks in")
	}
	if gotReply == 5 {
		t.Fatal("expected the per-connection rate limiter to suppress some challenge ACKs")
	}
}

func TestPseudoRNG_DeterministicAndAdvancing(t *testing.T) {
	a := NewPseudoRNG(1234)
	b := NewPseudoRNG(1234)
	for i := 0; i < 4; i++ {
		av, bv := a.NextU32(), b.NextU32()
		if av != bv {
			t.Fatalf("same seed diverged at step %d: %d != %d", i, av, bv)
		}
	}
	c := NewPseudoRNG(0)
	if c.state == 0 {
		t.Fatal("zero seed must be replaced with a nonzero one")
	}
}

func TestParseConnID_RoundTrip(t *testing.T) {
	buf := make([]byte, 20+sizeHeaderTCP)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatalf("ipv4.NewFrame: %v", err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(len(buf)))
	*ifrm.SourceAddr() = [4]byte{10, 0, 0, 2}
	*ifrm.DestinationAddr() = [4]byte{10, 0, 0, 1}

	tfrm, err := NewFrame(buf[20:])
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	tfrm.SetSourcePort(4000)
	tfrm.SetDestinationPort(80)
	tfrm.SetSegment(Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096}, 5)

	id, seg, err := ParseConnID(buf, 0, 20)
	if err != nil {
		t.Fatalf("ParseConnID: %v", err)
	}
	if id.LocalPort != 80 || id.RemotePort != 4000 {
		t.Fatalf("ports = %d/%d, want 80/4000", id.LocalPort, id.RemotePort)
	}
	if id.LocalAddr != [4]byte{10, 0, 0, 1} || id.RemoteAddr != [4]byte{10, 0, 0, 2} {
		t.Fatalf("addrs = %v/%v", id.LocalAddr, id.RemoteAddr)
	}
	if seg.SEQ != 1000 || seg.Flags != FlagSYN || seg.WND != 4096 {
		t.Fatalf("seg = %+v, want seq=1000 flags=SYN wnd=4096", seg)
	}
}

// TestControlBlock_AccessorsAfterHandshake exercises the ControlBlock read
// accessors external callers use to inspect a live connection (metrics,
// application-level flow control, idle-timeout policy) once a handshake has
// gone through the Engine.
func TestControlBlock_AccessorsAfterHandshake(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	eng.Listen(80, newTestListener(t))

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	reply, ok := eng.Handle(time.Now(), id, Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096})
	if !ok {
		t.Fatal("expected a SYN|ACK reply")
	}
	tcb, found := eng.Lookup(id)
	if !found {
		t.Fatal("expected connection to be tracked")
	}
	if tcb.ID() == "" {
		t.Fatal("expected a non-empty correlation id")
	}
	if tcb.SendMax() != reply.SEQ+1 {
		t.Fatalf("SendMax() = %d, want %d", tcb.SendMax(), reply.SEQ+1)
	}
	if tcb.SendCwnd() == 0 {
		t.Fatal("expected a nonzero initial congestion window")
	}
	if tcb.SoftError() != nil {
		t.Fatalf("SoftError() = %v, want nil", tcb.SoftError())
	}
	if tcb.IdleTime() != 0 {
		t.Fatalf("IdleTime() = %v, want 0 before any idle period", tcb.IdleTime())
	}
	tcb.AdvanceIdleTime(5 * time.Second)
	if tcb.IdleTime() != 5*time.Second {
		t.Fatalf("IdleTime() = %v, want 5s after AdvanceIdleTime", tcb.IdleTime())
	}

	final := Segment{SEQ: 1001, ACK: reply.SEQ + 1, Flags: FlagACK, WND: 4096}
	if _, hasReply := eng.Handle(time.Now(), id, final); hasReply {
		t.Fatal("a bare ACK completing the handshake has no reply")
	}
	if tcb.IdleTime() != 0 {
		t.Fatal("a received segment must reset the idle timer")
	}
	if tcb.RecvAdv() != tcb.RecvNext()+Value(tcb.RecvWindow()) {
		t.Fatalf("RecvAdv() = %d, want rcv.nxt+rcv.wnd = %d", tcb.RecvAdv(), tcb.RecvNext()+Value(tcb.RecvWindow()))
	}
	if tcb.MaxInFlightData() == 0 {
		t.Fatal("expected nonzero in-flight budget once established")
	}

	tcb.SetRecvWindow(1024)
	if tcb.RecvWindow() != 1024 {
		t.Fatalf("RecvWindow() = %d, want 1024 after SetRecvWindow", tcb.RecvWindow())
	}
}

func TestEngineCollector_ReportsConnectionStates(t *testing.T) {
	eng := NewEngine(DefaultTunables(), &sequentialRNG{})
	eng.Listen(80, newTestListener(t))
	col := NewEngineCollector(eng, "test", "tcp")
	eng.SetMetrics(col)

	id := ConnID{LocalAddr: [4]byte{10, 0, 0, 1}, RemoteAddr: [4]byte{10, 0, 0, 2}, LocalPort: 80, RemotePort: 4000}
	eng.Handle(time.Now(), id, Segment{SEQ: 1000, Flags: FlagSYN, WND: 4096})

	if eng.NumConnections() != 1 {
		t.Fatalf("NumConnections() = %d, want 1", eng.NumConnections())
	}

	metrics := make(chan prometheus.Metric, 8)
	col.Collect(metrics)
	close(metrics)
	var gauges int
	for m := range metrics {
		var out dto.Metric
		if err := m.Write(&out); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if out.Gauge != nil && out.Gauge.GetValue() == 1 {
			gauges++
		}
	}
	if gauges != 1 {
		t.Fatalf("expected exactly one connection-state gauge of value 1, got %d", gauges)
	}
}
