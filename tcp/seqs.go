package tcp

// Value is a TCP sequence number. Sequence numbers wrap around modulo 2**32
// (RFC9293 section 3.3) so Value arithmetic and comparisons must account for
// wraparound instead of treating the number as a plain uint32.
type Value uint32

// Size is a length in the sequence number space: a window size, a segment
// payload length or the distance between two [Value]s.
type Size uint32

// Add returns v+delta, wrapping around the sequence space as needed.
func Add(v Value, delta Size) Value { return v + Value(delta) }

// Sizeof returns the forward distance from a to b in the sequence space,
// i.e. the Size that satisfies Add(a, Sizeof(a,b)) == b.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan returns true if v precedes o in the sequence space, per the
// modular "SEQ1 < SEQ2" comparisons of RFC793-bis section 3.4.
func (v Value) LessThan(o Value) bool { return int32(v-o) < 0 }

// LessThanEq returns true if v precedes or equals o in the sequence space.
func (v Value) LessThanEq(o Value) bool { return v == o || v.LessThan(o) }

// Greater returns true if v follows o in the sequence space.
func (v Value) Greater(o Value) bool { return o.LessThan(v) }

// GreaterEq returns true if v follows or equals o in the sequence space.
func (v Value) GreaterEq(o Value) bool { return v == o || v.Greater(o) }

// InWindow reports whether v falls in [start, start+size) of the sequence
// space, the in-window acceptance test used throughout section 3.4 of
// RFC793-bis (e.g. RCV.NXT <= SEG.SEQ < RCV.NXT+RCV.WND).
func (v Value) InWindow(start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	return Sizeof(start, v) < size
}

// UpdateForward advances v in place by n, wrapping around the sequence space.
func (v *Value) UpdateForward(n Size) { *v = Add(*v, n) }

// Max returns the later of a and b in the sequence space.
func Max(a, b Value) Value {
	if a.Greater(b) {
		return a
	}
	return b
}

// Min returns the earlier of a and b in the sequence space.
func Min(a, b Value) Value {
	if a.LessThan(b) {
		return a
	}
	return b
}
