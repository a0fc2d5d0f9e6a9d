package tcp

// The engine handlers (NoConnHandler, SynSentHandler, SynReceivedHandler,
// EstablishedHandler, ChallengeAck) report outcomes with one of two result
// kinds instead of a generic error, per the receive-path's Drop/Reset
// contract: Drop discards the segment with no state change and no reply;
// Reset tears down the connection and replies with a stateless RST. Router
// maps the two kinds to their side effects; see Router.

// dropErr signals the segment must be silently discarded: no state change,
// no reply sent.
type dropErr struct{ reason string }

func (e *dropErr) Error() string { return "drop: " + e.reason }

func dropf(reason string) error { return &dropErr{reason} }

// resetErr signals the connection must be removed from the map and answered
// with a stateless reset (dropwithreset).
type resetErr struct{ reason string }

func (e *resetErr) Error() string { return "reset: " + e.reason }

func resetf(reason string) error { return &resetErr{reason} }

// IsDrop reports whether err is a Drop outcome from an engine handler.
func IsDrop(err error) bool {
	_, ok := err.(*dropErr)
	return ok
}

// IsReset reports whether err is a Reset outcome from an engine handler,
// meaning the caller must remove the connection and emit dropwithreset.
func IsReset(err error) bool {
	_, ok := err.(*resetErr)
	return ok
}
