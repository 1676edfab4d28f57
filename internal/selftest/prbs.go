package selftest

// prbs steps the x^15 + x^14 + 1 maximal-length sequence one byte at
// a time. Generator and checker start from the same seed, so the
// checker verifies payload continuity across frame boundaries without
// buffering anything.
type prbs struct {
	state uint16
}

func newPRBS() prbs {
	return prbs{state: 0xACE1}
}

func (p *prbs) next() byte {
	var out byte
	for i := 0; i < 8; i++ {
		bit := (p.state ^ p.state>>1) & 1
		p.state = p.state>>1 | bit<<14
		out = out<<1 | byte(bit)
	}
	return out
}

// fill overwrites b with the next len(b) sequence bytes and returns b.
func (p *prbs) fill(b []byte) []byte {
	for i := range b {
		b[i] = p.next()
	}
	return b
}
