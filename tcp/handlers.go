package tcp

import (
	"log/slog"
	"time"
)

// This file implements the named components of spec.md section 4: the
// per-state sub-handlers dispatched by Router once a connection already
// exists in the map. NoConnHandler, which constructs the ConnState in the
// first place, lives in engine.go next to the connection map it mutates.
//
// Each handler returns (reply, hasReply, err); err is nil for a plain
// success (hasReply indicates whether a reply segment was produced), a
// *dropErr for a silent discard, or a *resetErr for a protocol violation
// that tears the connection down (the caller replies with dropWithReset).

// inWindow implements WindowCheck (spec.md section 4.1): RFC793-bis's
// in_window acceptance table, parameterized by payload length and the
// current receive window.
func inWindow(rcvNxt Value, rcvWnd Size, seg Segment) bool {
	switch {
	case seg.DATALEN == 0 && rcvWnd == 0:
		return seg.SEQ == rcvNxt
	case seg.DATALEN == 0:
		return seg.SEQ.InWindow(rcvNxt, rcvWnd)
	case rcvWnd == 0:
		return false
	default:
		last := Add(seg.SEQ, seg.DATALEN-1)
		return seg.SEQ.InWindow(rcvNxt, rcvWnd) || last.InWindow(rcvNxt, rcvWnd)
	}
}

// makeSynAck builds the passive-open handshake reply (spec.md section 6's
// make_syn_ack(cb, id)).
func makeSynAck(tcb *ControlBlock) Segment {
	return Segment{SEQ: tcb.snd.ISS, ACK: tcb.rcv.NXT, WND: tcb.rcv.WND, Flags: synack}
}

// makeAck builds an acknowledgment reply (spec.md section 6's
// make_ack(cb, fin_piggyback, id)). finPiggyback additionally sets FlagFIN,
// used only when the connection has a FIN of its own ready to send
// alongside the ACK (an application-driven Close, external to the handlers
// in this file, none of which ever pass true — see EstablishedHandler and
// DESIGN.md's note on scenario 5).
func makeAck(tcb *ControlBlock, finPiggyback bool) Segment {
	flags := FlagACK
	if finPiggyback {
		flags |= FlagFIN
	}
	return Segment{SEQ: tcb.snd.NXT, ACK: tcb.rcv.NXT, WND: tcb.rcv.WND, Flags: flags}
}

// dropWithReset builds the stateless RST reply of spec.md section 6's
// dropwithreset(seg) contract: it must no-op when seg itself carries RST,
// so two reset-replying stacks never loop RSTs at each other.
func dropWithReset(seg Segment) (Segment, bool) {
	if seg.Flags.HasAny(FlagRST) {
		return Segment{}, false
	}
	if seg.Flags.HasAny(FlagACK) {
		return Segment{SEQ: seg.ACK, Flags: FlagRST}, true
	}
	ackLen := seg.LEN()
	if ackLen == 0 {
		ackLen = 1
	}
	return Segment{ACK: Add(seg.SEQ, ackLen), Flags: FlagRST | FlagACK}, true
}

// SynSentHandler dispatches spec.md section 4.3's three active-open-reply
// cases by the exact (SYN&ACK, SYN-only) flag shape of the incoming
// segment, grounded on _examples/soypat-lneto/tcp/control_rcvhandlers.go's
// rcvSynSent, generalized to the literal deliver_in_2/2a/2b split.
func SynSentHandler(tcb *ControlBlock, now time.Time, seg Segment, tn Tunables) (reply Segment, hasReply bool, err error) {
	switch {
	case seg.Flags == synack:
		return deliverIn2(tcb, now, seg, tn)
	case seg.Flags == FlagSYN:
		return deliverIn2b(tcb, seg)
	default:
		return deliverIn2a(tcb, seg)
	}
}

// deliverIn2 is the normal active-open completion.
func deliverIn2(tcb *ControlBlock, now time.Time, seg Segment, tn Tunables) (Segment, bool, error) {
	if seg.ACK != tcb.snd.NXT {
		return Segment{}, false, dropf("syn_sent: ack != snd.nxt")
	}
	if seg.HasWS {
		tcb.tune.doingWS = true
		tcb.tune.rcvScale = tcb.tune.requestRScale
		tcb.tune.sndScale = seg.WS
	}
	var peerMSS Size
	if seg.HasMSS {
		peerMSS = Size(seg.MSS)
	}
	rcvbuf, _, maxSeg, cwnd := calculateBufSizes(tn, tcb.tune.advMSS, peerMSS, seg.HasMSS)
	tcb.tune.maxSeg = maxSeg
	tcb.snd.CWND = cwnd
	rcvWnd := calculateBSDRcvWnd(tn, rcvbuf, tcb.tune.rcvScale)

	if tcb.rtt.measuring && tcb.rtt.segStart.LessThan(seg.ACK) {
		sample := now.Sub(tcb.rtt.started)
		tcb.rtt.srtt = updateRTT(sample, tcb.rtt.srtt)
		tcb.rtt.measuring = false
		tcb.tSoftError = nil
	}
	if seg.ACK == tcb.snd.MAX {
		tcb.rtt.backoff = 0 // All outstanding data acknowledged: clear retransmit shift.
	}

	tcb.tIdletime = 0
	tcb.rcv.IRS = seg.SEQ
	tcb.rcv.NXT = Add(seg.SEQ, 1)
	tcb.snd.UNA = Add(tcb.snd.ISS, 1)
	tcb.snd.WL1 = tcb.rcv.NXT
	tcb.snd.WL2 = seg.ACK
	tcb.tune.lastAckSent = tcb.rcv.NXT
	tcb.rcv.WND = rcvWnd
	tcb.rcv.ADV = tcb.rcv.NXT + Value(rcvWnd)
	tcb.tune.rxWin0Sent = rcvWnd == 0
	tcb._state = StateEstablished

	tcb.trace("synsent:established", slog.String("id", tcb.ID()))
	return makeAck(tcb, false), true, nil
}

// deliverIn2a rejects any segment in Syn_sent that isn't a stale reset
// bearing the expected ack, silently dropping the connection (no reply):
// a prior incarnation's ACK|RST arriving after the local SYN was reissued.
func deliverIn2a(tcb *ControlBlock, seg Segment) (Segment, bool, error) {
	if seg.Flags != (FlagACK|FlagRST) || seg.ACK != tcb.snd.NXT {
		return Segment{}, false, dropf("syn_sent: unexpected segment")
	}
	tcb._state = StateClosed
	tcb.debug("synsent:stale-reset", slog.String("id", tcb.ID()))
	return Segment{}, false, dropf("syn_sent: stale reset, connection dropped")
}

// deliverIn2b is the simultaneous-open completion path, an explicit spec
// stub (spec.md section 4.3/9): treated as a conservative protocol abort.
func deliverIn2b(tcb *ControlBlock, seg Segment) (Segment, bool, error) {
	return Segment{}, false, dropf("syn_sent: simultaneous open unsupported")
}

// SynReceivedHandler completes a passive open (spec.md section 4.4's
// deliver_in_3c_3d), grounded on rcvSynRcvd of
// _examples/soypat-lneto/tcp/control_rcvhandlers.go, generalized with the
// explicit sequence guard and the Reset-on-violation outcome spec.md adds.
func SynReceivedHandler(tcb *ControlBlock, seg Segment) (reply Segment, hasReply bool, err error) {
	if seg.SEQ != tcb.rcv.NXT {
		return Segment{}, false, dropf("syn_received: seq != rcv.nxt")
	}
	if seg.Flags != FlagACK {
		tcb._state = StateClosed
		tcb.logerr("synrcvd:reset", slog.String("id", tcb.ID()), slog.String("reason", "expected bare ACK"))
		return Segment{}, false, resetf("syn_received: expected bare ACK")
	}
	if seg.ACK != tcb.snd.NXT {
		tcb._state = StateClosed
		tcb.logerr("synrcvd:reset", slog.String("id", tcb.ID()), slog.String("reason", "ack != snd.nxt"))
		return Segment{}, false, resetf("syn_received: ack != snd.nxt")
	}
	tcb.tIdletime = 0
	tcb.snd.UNA = seg.ACK
	tcb.snd.WL1 = seg.SEQ
	tcb.snd.WL2 = seg.ACK
	tcb._state = StateEstablished
	tcb.trace("synrcvd:established", slog.String("id", tcb.ID()))
	return Segment{}, false, nil
}

// ChallengeAck implements spec.md section 4.6's RFC 5961 responses to an
// in-window RST (deliver_in_7) or SYN (deliver_in_8) arriving outside
// Syn_sent/Syn_received. isRST selects which of the two paths applies;
// Router checks RST first, so a segment carrying both RST and SYN takes the
// RST path.
func ChallengeAck(tcb *ControlBlock, seg Segment, isRST bool) (reply Segment, hasReply bool, err error) {
	if isRST {
		if seg.SEQ == tcb.rcv.NXT {
			tcb._state = StateClosed
			tcb.logerr("challenge:reset", slog.String("id", tcb.ID()))
			return Segment{}, false, resetf("challenge: valid in-sequence RST")
		}
		tcb.debug("challenge:rst-ack", slog.String("id", tcb.ID()))
		return makeAck(tcb, false), true, nil
	}
	tcb.debug("challenge:syn-ack", slog.String("id", tcb.ID()))
	return makeAck(tcb, false), true, nil
}

// validEstablishedFlags reports whether flags is one of the shapes
// deliver_in_3 (spec.md section 4.5) accepts: empty, ACK, FIN(+ACK),
// PSH(+ACK), or FIN+PSH(+ACK). Anything else is a protocol violation.
func validEstablishedFlags(f Flags) bool {
	switch f {
	case 0, FlagACK, FlagFIN, FlagFIN | FlagACK, FlagPSH, FlagPSH | FlagACK,
		FlagFIN | FlagPSH, FlagFIN | FlagPSH | FlagACK:
		return true
	default:
		return false
	}
}

// establishedTransition implements the ststuff state table of spec.md
// section 4.5 exactly: next state as a function of current state, whether
// a FIN was received this delivery, and whether our own FIN was just acked.
func establishedTransition(state State, finRecv, finAcked bool) State {
	switch state {
	case StateEstablished:
		if finRecv {
			return StateCloseWait
		}
		return StateEstablished
	case StateCloseWait:
		return StateCloseWait
	case StateFinWait1:
		switch {
		case finRecv && finAcked:
			return StateTimeWait
		case finRecv:
			return StateClosing
		case finAcked:
			return StateFinWait2
		default:
			return StateFinWait1
		}
	case StateFinWait2:
		if finRecv {
			return StateTimeWait
		}
		return StateFinWait2
	case StateClosing:
		if finAcked {
			return StateTimeWait
		}
		return StateClosing
	case StateLastAck:
		return StateLastAck
	case StateTimeWait:
		return StateTimeWait
	default:
		return state
	}
}

// EstablishedHandler implements spec.md section 4.5's deliver_in_3
// pipeline (topstuff/ackstuff/datastuff/ststuff) for every post-handshake
// state (Established through Time_wait), grounded on rcvEstablished/
// rcvFinWait1/rcvFinWait2 of
// _examples/soypat-lneto/tcp/control_rcvhandlers.go, generalized into the
// single transition table those methods only partially covered.
func EstablishedHandler(tcb *ControlBlock, seg Segment) (reply Segment, hasReply bool, err error) {
	if !inWindow(tcb.rcv.NXT, tcb.rcv.WND, seg) {
		return Segment{}, false, dropf("established: out of window")
	}
	if !validEstablishedFlags(seg.Flags) {
		tcb._state = StateClosed
		tcb.logerr("established:reset", slog.String("id", tcb.ID()), slog.String("flags", seg.Flags.String()))
		return Segment{}, false, resetf("established: illegal flag combination")
	}
	tcb.tIdletime = 0

	// ackstuff
	var finAcked bool
	if seg.Flags.HasAny(FlagACK) {
		tcb.snd.UNA = Max(tcb.snd.UNA, seg.ACK)
		finAcked = seg.ACK == Add(tcb.snd.NXT, 1)
	}

	// datastuff
	var finRecv, ackNeeded bool
	prevNxt := tcb.rcv.NXT
	if seg.SEQ == tcb.rcv.NXT {
		nxt := Add(seg.SEQ, seg.DATALEN)
		if seg.Flags.HasAny(FlagFIN) {
			tcb.rcv.NXT = Add(nxt, 1)
			finRecv = true
		} else {
			tcb.rcv.NXT = nxt
		}
		ackNeeded = tcb.rcv.NXT != prevNxt
	}
	// rcv_wnd is taken verbatim from the segment: the peer's advertised
	// scale is not reapplied here. This preserves
	// _examples/soypat-lneto/tcp/control_rcvhandlers.go's behavior and is
	// flagged, not silently fixed, per spec.md section 9's documented
	// ambiguity; see DESIGN.md.
	tcb.rcv.WND = seg.WND
	tcb.rcv.ADV = Max(tcb.rcv.ADV, tcb.rcv.NXT+Value(tcb.rcv.WND))

	newState := establishedTransition(tcb._state, finRecv, finAcked)
	if newState != tcb._state && tcb.logenabled(slog.LevelDebug) {
		tcb.debug("established:transition", slog.String("id", tcb.ID()),
			slog.String("from", tcb._state.String()), slog.String("to", newState.String()))
	}
	tcb._state = newState
	if finRecv {
		tcb.cantRcvMore = true
	}
	tcb.traceSeg("established:seg", seg)

	if !ackNeeded {
		return Segment{}, false, nil
	}
	// fin_flag is always false here: a FIN piggybacked on this ACK would
	// come from an application-driven Close (external to the receive
	// path), never from delivering an incoming segment. See scenario 5 in
	// spec.md section 8 and DESIGN.md.
	return makeAck(tcb, false), true, nil
}
