package tcp

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// ControlBlock is the per-connection Transmission Control Block (TCB) of
// spec.md section 3: sequence-space bookkeeping plus the negotiated
// tunables and RTT state the handlers in handlers.go/engine.go read and
// mutate directly. Grounded on
// _examples/soypat-lneto/tcp/control.go's ControlBlock, trimmed to the
// fields this engine's handlers actually exercise: the teacher's own
// Recv/Send calling convention (and the control_rcvhandlers.go pipeline it
// dispatched to) is superseded here by the handlers in handlers.go, which
// operate on these same sequence-space fields directly.
type ControlBlock struct {
	// # Send Sequence Space
	//
	// 'Send' sequence numbers correspond to local data being sent.
	//
	//	     1         2          3          4
	//	----------|----------|----------|----------
	//		   SND.UNA    SND.NXT    SND.UNA
	//								+SND.WND
	//	1. old sequence numbers which have been acknowledged
	//	2. sequence numbers of unacknowledged data
	//	3. sequence numbers allowed for new data transmission
	//	4. future sequence numbers which are not yet allowed
	snd sendSpace
	// # Receive Sequence Space
	//
	// 'Receive' sequence numbers correspond to remote data being received.
	//
	//		1          2          3
	//	----------|----------|----------
	//		   RCV.NXT    RCV.NXT
	//					 +RCV.WND
	//	1 - old sequence numbers which have been acknowledged
	//	2 - sequence numbers allowed for new reception
	//	3 - future sequence numbers which are not yet allowed
	rcv recvSpace

	_state State // leading underscore so field not suggested on top of exported State method when developing.

	// tunables holds the negotiated/derived per-connection parameters (MSS,
	// window scale) set on admission and refined as options
	// are parsed out of the handshake segments.
	tune tunableState
	// rtt holds round trip time estimation bookkeeping (t_rttseg/t_rttinf)
	// and the retransmit backoff state (tt_rexmt).
	rtt rttState
	// id is a correlation id minted once the TCB leaves the closed/listen
	// state, carried in every log line and metric label for the connection.
	id string
	// tIdletime counts how long the connection has sat without receiving a
	// segment, used by keepalive/idle timeout policy external to the TCB.
	tIdletime time.Duration
	// tSoftError stores the last soft error observed (e.g. ICMP notification)
	// without tearing down the connection, per RFC9293 3.8.3.
	tSoftError error
	// cantRcvMore is sticky: set once any FIN has been received on this connection.
	cantRcvMore bool
	// challengeLim throttles RFC 5961 challenge ACKs for this connection, a
	// supplemental refinement of spec.md section 4.6 (see SPEC_FULL.md's
	// DOMAIN STACK): without it an attacker's repeated in-window RST/SYN
	// probes could be answered with unbounded challenge ACKs.
	challengeLim *rate.Limiter

	logger
}

// challengeLimiter lazily allocates the per-connection challenge-ACK rate
// limiter. One token per second with a small burst is generous enough for
// legitimate window-probe races while bounding an attacker's ability to
// elicit a steady stream of challenge ACKs.
func (tcb *ControlBlock) challengeLimiter() *rate.Limiter {
	if tcb.challengeLim == nil {
		tcb.challengeLim = rate.NewLimiter(rate.Limit(1), 2)
	}
	return tcb.challengeLim
}

// CantRecvMore reports whether a FIN has been received on this connection.
// Sticky: once true it remains true for the life of the ControlBlock.
func (tcb *ControlBlock) CantRecvMore() bool { return tcb.cantRcvMore }

// tunableState mirrors the BSD-derived tunables of spec section 6
// (t_maxseg/t_advmss, window scaling) as negotiated for one connection.
type tunableState struct {
	maxSeg        Size // t_maxseg: negotiated maximum segment size.
	advMSS        Size // t_advmss: MSS advertised to remote in our SYN/SYN-ACK.
	sndScale      uint8
	rcvScale      uint8
	requestRScale uint8
	doingWS       bool // tf_doing_ws: window scaling negotiated on both sides.
	rxWin0Sent    bool // tf_rxwin0sent: we advertised a zero receive window.
	lastAckSent   Value
}

// rttState mirrors t_rttseg/t_rttinf/tt_rexmt of spec section 6: a single
// outstanding RTT sample plus a smoothed estimate used to size the
// retransmit backoff.
type rttState struct {
	measuring bool          // t_rttseg in progress.
	segStart  Value         // sequence number whose ACK will close the sample.
	started   time.Time     // wall-clock mark the sample started at.
	srtt      time.Duration // smoothed round trip time estimate (t_rttinf).
	rttvar    time.Duration
	backoff   int // index into Tunables.Backoff for tt_rexmt.
}

// State returns the current state of the TCP connection.
func (tcb *ControlBlock) State() State { return tcb._state }

// RecvNext returns the next sequence number expected to be received from remote.
// This implementation will reject segments that are not the next expected sequence.
// RecvNext returns 0 before StateSynRcvd.
func (tcb *ControlBlock) RecvNext() Value { return tcb.rcv.NXT }

// RecvWindow returns the receive window size (rcv.WND). A connection that has
// been closed keeps the last window it held.
func (tcb *ControlBlock) RecvWindow() Size { return tcb.rcv.WND }

// SetRecvWindow sets the local receive window size. This represents the
// maximum amount of data that is permitted to be in flight, an
// application-driven flow-control knob. EstablishedHandler overwrites the
// window with the advertised window of every segment it accepts.
func (tcb *ControlBlock) SetRecvWindow(wnd Size) {
	tcb.rcv.WND = wnd
}

// ISS returns the initial sequence number of the connection.
func (tcb *ControlBlock) ISS() Value { return tcb.snd.ISS }

// IRS returns the initial receive sequence number learned from the remote's SYN.
func (tcb *ControlBlock) IRS() Value { return tcb.rcv.IRS }

// MaxInFlightData returns the maximum size of a segment that can be sent by taking into account
// the send window size and the unacked data. Returns 0 before StateSynRcvd.
func (tcb *ControlBlock) MaxInFlightData() Size {
	if !tcb._state.hasIRS() {
		return 0 // SYN not yet received.
	}
	unacked := Sizeof(tcb.snd.UNA, tcb.snd.NXT)
	return tcb.snd.WND - unacked - 1 // TODO: is this -1 supposed to be here?
}

// SendMax returns the highest sequence number ever sent on this connection (snd_max).
func (tcb *ControlBlock) SendMax() Value { return tcb.snd.MAX }

// SendCwnd returns the current congestion window (snd_cwnd).
func (tcb *ControlBlock) SendCwnd() Size { return tcb.snd.CWND }

// RecvAdv returns the highest right-window-edge ever advertised to the remote (rcv_adv).
func (tcb *ControlBlock) RecvAdv() Value { return tcb.rcv.ADV }

// ID returns the connection's correlation id, empty before the handshake starts.
func (tcb *ControlBlock) ID() string { return tcb.id }

// SoftError returns the last soft error recorded for the connection (e.g. an
// ICMP notification) without having torn down the connection, or nil.
func (tcb *ControlBlock) SoftError() error { return tcb.tSoftError }

// IdleTime returns how long the connection has gone without receiving a segment.
func (tcb *ControlBlock) IdleTime() time.Duration { return tcb.tIdletime }

// AdvanceIdleTime adds d to the connection's idle timer. Call this from the
// external timer wheel (spec section 6's Timers.timer) between arrivals;
// EstablishedHandler resets it back to zero on every accepted segment.
func (tcb *ControlBlock) AdvanceIdleTime(d time.Duration) { tcb.tIdletime += d }

// SetLogger sets the logger to be used by the ControlBlock, mirroring
// Engine.SetLogger. Engine calls this for every ControlBlock it creates.
func (tcb *ControlBlock) SetLogger(log *slog.Logger) {
	tcb.logger = logger{log: log}
}

// sendSpace contains Send Sequence Space data. Its sequence numbers correspond to local data.
type sendSpace struct {
	ISS  Value // initial send sequence number, defined locally on connection start
	UNA  Value // send unacknowledged. Seqs equal to UNA and above have NOT been acked by remote. Corresponds to local data.
	NXT  Value // send next. This seq and up to UNA+WND-1 are allowed to be sent. Corresponds to local data.
	MAX  Value // snd_max: highest sequence number ever sent, used to detect old ACKs arriving after a retransmit.
	WND  Size  // send window defined by remote. Permitted number of local unacked octets in flight.
	WL1  Value // segment sequence number used for last window update
	WL2  Value // segment acknowledgment number used for last window update
	CWND Size  // snd_cwnd: congestion window, set at connection setup; no handler grows it.
}

// inFlight returns amount of unacked bytes sent out.
func (snd *sendSpace) inFlight() Size {
	return Sizeof(snd.UNA, snd.NXT)
}

// maxSend returns maximum segment datalength receivable by remote peer.
func (snd *sendSpace) maxSend() Size {
	return snd.WND - snd.inFlight()
}

// recvSpace contains Receive Sequence Space data. Its sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, defined by remote in SYN segment received.
	NXT Value // receive next. seqs before this have been acked. this seq and up to NXT+WND-1 are allowed to be sent. Corresponds to remote data.
	WND Size  // receive window defined by local. Permitted number of remote unacked octets in flight.
	ADV Value // rcv_adv: highest advertised right edge of window, used to decide when a window update is worth sending.
}
