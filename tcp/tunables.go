package tcp

import "time"

// Tunables enumerates the externally configured constants spec section 6
// names: default buffer sizes, the accepted window-scale ceiling, our own
// window scale, the pre-scale window ceiling and the retransmit backoff
// table (tcp_backoff[]). A zero-value Tunables is not ready for use; start
// from DefaultTunables and override as needed.
type Tunables struct {
	SoRcvBuf    Size
	SoSndBuf    Size
	MaxWinScale uint8
	Scale       uint8
	MaxWin      Size
	Backoff     []time.Duration
}

// DefaultTunables returns conservative defaults matching common BSD-derived
// stacks: 64KiB buffers, window scale disabled by default, RFC1323's
// ceiling on peer scale, and a doubling backoff table topping out at 24s.
func DefaultTunables() Tunables {
	return Tunables{
		SoRcvBuf:    65535,
		SoSndBuf:    65535,
		MaxWinScale: 14,
		Scale:       0,
		MaxWin:      65535,
		Backoff: []time.Duration{
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			1600 * time.Millisecond,
			3 * time.Second,
			6 * time.Second,
			12 * time.Second,
			24 * time.Second,
		},
	}
}

// backoffFor returns the retransmit wait for the given tt_rexmt shift,
// adapted from internal.Backoff's doubling-with-ceiling shape but
// table-driven off Tunables.Backoff and side-effect free (no sleep): the
// engine's timer wheel is external per spec section 6, so this only looks
// up the duration the caller should arm the timer with.
func (tn Tunables) backoffFor(shift int) time.Duration {
	if len(tn.Backoff) == 0 {
		return time.Second
	}
	if shift < 0 {
		shift = 0
	}
	if shift >= len(tn.Backoff) {
		shift = len(tn.Backoff) - 1
	}
	return tn.Backoff[shift]
}

// calculateBufSizes mirrors calculate_buf_sizes(advmss, peer_mss_opt, bw_opt,
// so_rcv, so_snd) of spec section 6: derive the receive/send buffer sizes,
// the effective MSS and the initial congestion window from the locally
// advertised MSS cap and the peer's MSS option, if present. bw_opt
// (bandwidth hint) is not modeled; this core has no path bandwidth source.
func calculateBufSizes(tn Tunables, advMSS Size, peerMSS Size, hasPeerMSS bool) (rcvbuf, sndbuf, maxSeg, cwnd Size) {
	mss := advMSS
	if hasPeerMSS && peerMSS > 0 && peerMSS < mss {
		mss = peerMSS
	}
	if mss == 0 {
		mss = 536 // RFC9293's default MSS absent any negotiation.
	}
	rcvbuf = tn.SoRcvBuf
	sndbuf = tn.SoSndBuf
	if rcvbuf == 0 {
		rcvbuf = 65535
	}
	if sndbuf == 0 {
		sndbuf = 65535
	}
	maxSeg = mss
	cwnd = mss // Conservative slow-start initialization (RFC9293 3.8.1): one segment.
	return rcvbuf, sndbuf, maxSeg, cwnd
}

// calculateBSDRcvWnd mirrors calculate_bsd_rcv_wnd(conn) of spec section 6:
// clamp the configured receive buffer to the pre-scale window ceiling before
// it is left-shifted by the negotiated window scale.
func calculateBSDRcvWnd(tn Tunables, rcvbuf Size, scale uint8) Size {
	maxWin := tn.MaxWin
	if maxWin == 0 {
		maxWin = 65535
	}
	wnd := rcvbuf >> scale
	if wnd > maxWin {
		wnd = maxWin
	}
	return wnd << scale
}

// tcpMSSOpt mirrors tcp_mssopt(id) of spec section 6: the path-MTU-derived
// local MSS cap. This core has no IP-layer access, so the caller supplies
// the cap (e.g. derived from the listening interface's MTU); a zero value
// falls back to the common Ethernet-minus-headers default.
func tcpMSSOpt(advMSS Size) Size {
	if advMSS == 0 {
		return 1460
	}
	return advMSS
}

// updateRTT mirrors update_rtt(span, t_rttinf) of spec section 6: a
// standard exponentially-smoothed RTT estimator (RFC6298-style, alpha=1/8),
// folding a newly closed round-trip sample into the running mean.
func updateRTT(sample, srtt time.Duration) time.Duration {
	if srtt == 0 {
		return sample
	}
	return srtt + (sample-srtt)/8
}
