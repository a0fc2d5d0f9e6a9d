package tcp

import (
	"testing"
	"time"
)

// TestScenario3_ActiveOpenCompletion covers spec.md section 8 scenario 3:
// a Syn_sent connection completing the handshake on a SYN|ACK.
func TestScenario3_ActiveOpenCompletion(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateSynSent
	tcb.snd = sendSpace{ISS: 500, UNA: 500, NXT: 501, MAX: 501}

	seg := Segment{SEQ: 2000, ACK: 501, Flags: synack, WND: 4096}
	reply, ok, err := SynSentHandler(&tcb, time.Now(), seg, DefaultTunables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a reply")
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, want Established", tcb.State())
	}
	if tcb.rcv.IRS != 2000 || tcb.rcv.NXT != 2001 {
		t.Fatalf("irs=%d rcv.nxt=%d, want irs=2000 rcv.nxt=2001", tcb.rcv.IRS, tcb.rcv.NXT)
	}
	if tcb.snd.UNA != 501 {
		t.Fatalf("snd.una=%d, want 501", tcb.snd.UNA)
	}
	if reply.SEQ != 501 || reply.ACK != 2001 || reply.Flags != FlagACK {
		t.Fatalf("reply = %+v, want seq=501 ack=2001 flags=ACK", reply)
	}
}

// TestScenario4_BadAckInSynSent covers scenario 4: an unacceptable ACK must
// drop silently, with no state change.
func TestScenario4_BadAckInSynSent(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateSynSent
	tcb.snd = sendSpace{ISS: 500, UNA: 500, NXT: 501, MAX: 501}

	seg := Segment{SEQ: 2000, ACK: 999, Flags: synack, WND: 4096}
	_, ok, err := SynSentHandler(&tcb, time.Now(), seg, DefaultTunables())
	if !IsDrop(err) {
		t.Fatalf("err = %v, want a drop outcome", err)
	}
	if ok {
		t.Fatal("expected no reply")
	}
	if tcb.State() != StateSynSent {
		t.Fatalf("state = %s, want unchanged Syn_sent", tcb.State())
	}
}

// TestScenario5_DataAndFinFromEstablished covers scenario 5: in-order data
// plus FIN moves Established into Close_wait with the reply's FIN piggyback
// flag false despite the transition landing in Close_wait.
func TestScenario5_DataAndFinFromEstablished(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateEstablished
	tcb.rcv = recvSpace{NXT: 3000, WND: 8192}
	tcb.snd = sendSpace{UNA: 700, NXT: 700, MAX: 700}

	seg := Segment{SEQ: 3000, ACK: tcb.snd.UNA, Flags: FlagFIN | FlagPSH | FlagACK, DATALEN: 10, WND: 8192}
	reply, ok, err := EstablishedHandler(&tcb, seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a reply")
	}
	if tcb.State() != StateCloseWait {
		t.Fatalf("state = %s, want Close_wait", tcb.State())
	}
	if tcb.rcv.NXT != 3011 {
		t.Fatalf("rcv.nxt = %d, want 3011", tcb.rcv.NXT)
	}
	if !tcb.CantRecvMore() {
		t.Fatal("cantrcvmore should be true")
	}
	if reply.Flags.HasAny(FlagFIN) {
		t.Fatalf("reply flags = %s, must not piggyback FIN", reply.Flags)
	}
	if reply.ACK != 3011 {
		t.Fatalf("reply.ack = %d, want 3011", reply.ACK)
	}
}

// TestScenario6_ValidResetInEstablished covers scenario 6: an in-sequence
// RST tears the connection down and the observable reply is empty because
// dropWithReset refuses to reset a segment that is already a reset.
func TestScenario6_ValidResetInEstablished(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateEstablished
	tcb.rcv = recvSpace{NXT: 3000, WND: 8192}

	seg := Segment{SEQ: 3000, Flags: FlagRST}
	_, hasReply, err := ChallengeAck(&tcb, seg, true)
	if !IsReset(err) {
		t.Fatalf("err = %v, want a reset outcome", err)
	}
	if tcb.State() != StateClosed {
		t.Fatalf("state = %s, want Closed (evicted)", tcb.State())
	}
	reply, ok := dropWithReset(seg)
	if ok || hasReply {
		t.Fatalf("observable reply must be empty, got reply=%+v ok=%v", reply, ok)
	}
}

// TestScenario7_OutOfWindowSegment covers scenario 7: inWindow rejects a
// segment entirely outside the receive window, the check Router drops on.
func TestScenario7_OutOfWindowSegment(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateEstablished
	tcb.rcv = recvSpace{NXT: 3000, WND: 100}

	seg := Segment{SEQ: 9000, DATALEN: 20, Flags: FlagACK}
	if inWindow(tcb.rcv.NXT, tcb.rcv.WND, seg) {
		t.Fatal("expected seg to be out of window")
	}
}

// TestScenario8_SYNInEstablishedWindow covers scenario 8: an in-window SYN
// gets a challenge ACK and no state change (RFC 5961 section 4).
func TestScenario8_SYNInEstablishedWindow(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateEstablished
	tcb.snd = sendSpace{NXT: 700}
	tcb.rcv = recvSpace{NXT: 3000, WND: 8192}

	seg := Segment{SEQ: tcb.rcv.NXT, Flags: FlagSYN, WND: 4096}
	if !inWindow(tcb.rcv.NXT, tcb.rcv.WND, seg) {
		t.Fatal("SYN at rcv_nxt should be in-window")
	}
	reply, ok, err := ChallengeAck(&tcb, seg, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a challenge ACK reply")
	}
	if reply.Flags != FlagACK {
		t.Fatalf("reply flags = %s, want plain ACK", reply.Flags)
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, must not change on a challenge", tcb.State())
	}
}

func TestSynReceivedHandler_CompletesHandshake(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateSynRcvd
	tcb.rcv = recvSpace{IRS: 1000, NXT: 1001, WND: 4096}
	tcb.snd = sendSpace{ISS: 9000, UNA: 9000, NXT: 9001, MAX: 9001}

	seg := Segment{SEQ: 1001, ACK: 9001, Flags: FlagACK}
	_, hasReply, err := SynReceivedHandler(&tcb, seg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasReply {
		t.Fatal("a bare ACK completing the handshake has no reply")
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, want Established", tcb.State())
	}
	if tcb.snd.UNA != 9001 {
		t.Fatalf("snd.una = %d, want 9001", tcb.snd.UNA)
	}
}

func TestSynReceivedHandler_BadAckResets(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateSynRcvd
	tcb.rcv = recvSpace{IRS: 1000, NXT: 1001, WND: 4096}
	tcb.snd = sendSpace{ISS: 9000, UNA: 9000, NXT: 9001, MAX: 9001}

	seg := Segment{SEQ: 1001, ACK: 1234, Flags: FlagACK}
	_, _, err := SynReceivedHandler(&tcb, seg)
	if !IsReset(err) {
		t.Fatalf("err = %v, want a reset outcome", err)
	}
	if tcb.State() != StateClosed {
		t.Fatalf("state = %s, want Closed (evicted)", tcb.State())
	}
}

func TestDeliverIn2b_SimultaneousOpenDropped(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateSynSent
	tcb.snd = sendSpace{ISS: 500, UNA: 500, NXT: 501, MAX: 501}

	seg := Segment{SEQ: 800, Flags: FlagSYN}
	_, ok, err := SynSentHandler(&tcb, time.Now(), seg, DefaultTunables())
	if !IsDrop(err) {
		t.Fatalf("err = %v, want a drop outcome (simultaneous open is a non-goal)", err)
	}
	if ok {
		t.Fatal("expected no reply")
	}
	if tcb.State() != StateSynSent {
		t.Fatalf("state = %s, want unchanged Syn_sent", tcb.State())
	}
}

func TestEstablishedHandler_IllegalFlagCombinationResets(t *testing.T) {
	var tcb ControlBlock
	tcb._state = StateEstablished
	tcb.rcv = recvSpace{NXT: 3000, WND: 8192}

	seg := Segment{SEQ: 3000, Flags: FlagSYN | FlagFIN, WND: 8192}
	_, _, err := EstablishedHandler(&tcb, seg)
	if !IsReset(err) {
		t.Fatalf("err = %v, want a reset outcome", err)
	}
	if tcb.State() != StateClosed {
		t.Fatalf("state = %s, want Closed (evicted)", tcb.State())
	}
}

func TestInWindow_FourCases(t *testing.T) {
	cases := []struct {
		name        string
		rcvNxt      Value
		rcvWnd      Size
		seg         Segment
		wantInside  bool
	}{
		{"zero len, zero wnd, exact match", 100, 0, Segment{SEQ: 100}, true},
		{"zero len, zero wnd, mismatch", 100, 0, Segment{SEQ: 101}, false},
		{"zero len, open wnd, inside", 100, 50, Segment{SEQ: 120}, true},
		{"zero len, open wnd, outside", 100, 50, Segment{SEQ: 200}, false},
		{"data, zero wnd, always outside", 100, 0, Segment{SEQ: 100, DATALEN: 5}, false},
		{"data, open wnd, last byte inside", 100, 50, Segment{SEQ: 90, DATALEN: 20}, true},
		{"data, open wnd, first byte inside", 100, 50, Segment{SEQ: 140, DATALEN: 20}, true},
		{"data, open wnd, fully outside", 100, 50, Segment{SEQ: 500, DATALEN: 20}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := inWindow(c.rcvNxt, c.rcvWnd, c.seg)
			if got != c.wantInside {
				t.Fatalf("inWindow() = %v, want %v", got, c.wantInside)
			}
		})
	}
}

func TestEstablishedTransition_Table(t *testing.T) {
	cases := []struct {
		state             State
		finRecv, finAcked bool
		want              State
	}{
		{StateEstablished, false, false, StateEstablished},
		{StateEstablished, true, false, StateCloseWait},
		{StateCloseWait, true, true, StateCloseWait},
		{StateFinWait1, false, false, StateFinWait1},
		{StateFinWait1, true, false, StateClosing},
		{StateFinWait1, false, true, StateFinWait2},
		{StateFinWait1, true, true, StateTimeWait},
		{StateFinWait2, false, false, StateFinWait2},
		{StateFinWait2, true, false, StateTimeWait},
		{StateClosing, false, false, StateClosing},
		{StateClosing, false, true, StateTimeWait},
		{StateLastAck, false, false, StateLastAck},
		{StateTimeWait, false, false, StateTimeWait},
	}
	for _, c := range cases {
		got := establishedTransition(c.state, c.finRecv, c.finAcked)
		if got != c.want {
			t.Errorf("establishedTransition(%s, %v, %v) = %s, want %s", c.state, c.finRecv, c.finAcked, got, c.want)
		}
	}
}

func TestDropWithReset_NeverResetsAReset(t *testing.T) {
	_, ok := dropWithReset(Segment{Flags: FlagRST})
	if ok {
		t.Fatal("dropWithReset must no-op on an incoming RST")
	}
	_, ok = dropWithReset(Segment{Flags: FlagRST | FlagACK})
	if ok {
		t.Fatal("dropWithReset must no-op on an incoming RST|ACK")
	}
}

func TestDropWithReset_WithAck(t *testing.T) {
	reply, ok := dropWithReset(Segment{SEQ: 10, ACK: 500, Flags: FlagACK})
	if !ok {
		t.Fatal("expected a reset reply")
	}
	if reply.Flags != FlagRST || reply.SEQ != 500 {
		t.Fatalf("reply = %+v, want seq=500 flags=RST", reply)
	}
}

func TestDropWithReset_WithoutAck(t *testing.T) {
	reply, ok := dropWithReset(Segment{SEQ: 10, DATALEN: 4, Flags: FlagSYN})
	if !ok {
		t.Fatal("expected a reset reply")
	}
	// LEN() counts the SYN flag as one octet, so seq=10 + datalen=4 + SYN=1 -> ack=15.
	if reply.Flags != (FlagRST | FlagACK) || reply.ACK != 15 {
		t.Fatalf("reply = %+v, want ack=15 flags=RST|ACK", reply)
	}
}
