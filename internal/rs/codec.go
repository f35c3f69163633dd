package rs

import "errors"

// ErrUncorrectable is returned when a block's error pattern exceeds the
// codec's correction capacity, or when the correction found does not
// re-verify against the syndromes — the caller's buffers are left untouched
// in both cases.
var ErrUncorrectable = errors.New("rs: block uncorrectable")

// Codec encodes and decodes systematic Reed-Solomon blocks over GF(2^8),
// with consecutive generator roots alpha^0..alpha^(ParitySize-1).
//
// A Codec holds only its generator polynomial; every Encode/Decode call
// allocates its own scratch slices, so a single Codec is safe for
// concurrent use without an external mutex.
type Codec struct {
	DataSize   int
	ParitySize int
	generator  []byte // ascending, monic, degree == ParitySize
}

// NewCodec builds a Codec for the given data and parity lengths. The
// combined block (dataSize+paritySize) must not exceed 255, the span of
// GF(2^8)'s non-zero elements.
func NewCodec(dataSize, paritySize int) (*Codec, error) {
	if dataSize <= 0 || paritySize <= 0 {
		return nil, errors.New("rs: data and parity sizes must be positive")
	}
	if dataSize+paritySize > 255 {
		return nil, errors.New("rs: combined block exceeds 255 bytes")
	}
	gen := []byte{1}
	for i := 0; i < paritySize; i++ {
		gen = polyMul(gen, []byte{alphaPow(i), 1})
	}
	return &Codec{DataSize: dataSize, ParitySize: paritySize, generator: gen}, nil
}

// DefaultCodec is the D=96/E=32 instance that protects the 128-byte
// on-tank EEPROM record.
var DefaultCodec = mustNewCodec(96, 32)

func mustNewCodec(d, e int) *Codec {
	c, err := NewCodec(d, e)
	if err != nil {
		panic(err)
	}
	return c
}

// codeword lays data and parity out as one ascending polynomial: parity
// occupies the low-order coefficients (x^0..x^(E-1)), data the high-order
// ones (x^E..x^(n-1)). Encode and Decode must agree on this layout.
func (c *Codec) codeword(data, parity []byte) []byte {
	n := c.DataSize + c.ParitySize
	cw := make([]byte, n)
	copy(cw[:c.ParitySize], parity)
	copy(cw[c.ParitySize:], data)
	return cw
}

// Encode computes the parity bytes for a full data block.
func (c *Codec) Encode(data []byte) ([]byte, error) {
	if len(data) != c.DataSize {
		return nil, errors.New("rs: data has wrong length")
	}
	shifted := make([]byte, c.DataSize+c.ParitySize)
	copy(shifted[c.ParitySize:], data)
	remainder := polyDivModRemainder(shifted, c.generator)
	parity := make([]byte, c.ParitySize)
	copy(parity, remainder)
	return parity, nil
}

// Decode checks and, where possible, corrects a data/parity block in
// place. It returns the number of corrected bytes (0 if the block was
// already valid), or ErrUncorrectable if the error pattern could not be
// resolved — in which case data and parity are left unmodified.
func (c *Codec) Decode(data, parity []byte) (int, error) {
	if len(data) != c.DataSize {
		return 0, errors.New("rs: data has wrong length")
	}
	if len(parity) != c.ParitySize {
		return 0, errors.New("rs: parity has wrong length")
	}

	cw := c.codeword(data, parity)
	synd, clean := c.syndromes(cw)
	if clean {
		return 0, nil
	}

	lambda := berlekampMassey(synd)
	errs := len(lambda) - 1
	if 2*errs > c.ParitySize {
		return 0, ErrUncorrectable
	}

	n := len(cw)
	errPos := chienSearch(lambda, n)
	if len(errPos) != errs {
		return 0, ErrUncorrectable
	}

	omega := polyMul(synd, lambda)
	if len(omega) > c.ParitySize {
		omega = omega[:c.ParitySize]
	}
	lambdaPrime := formalDerivative(lambda)

	corrected := make([]byte, n)
	copy(corrected, cw)
	for _, pos := range errPos {
		xl := alphaPow(pos)
		xlInv := ginv(xl)
		num := polyEval(omega, xlInv)
		den := polyEval(lambdaPrime, xlInv)
		if den == 0 {
			return 0, ErrUncorrectable
		}
		magnitude := gmul(xl, gdiv(num, den))
		corrected[pos] ^= magnitude
	}

	if _, clean := c.syndromes(corrected); !clean {
		return 0, ErrUncorrectable
	}

	copy(parity, corrected[:c.ParitySize])
	copy(data, corrected[c.ParitySize:])
	return errs, nil
}

// syndromes evaluates the codeword at alpha^0..alpha^(ParitySize-1).
func (c *Codec) syndromes(cw []byte) ([]byte, bool) {
	synd := make([]byte, c.ParitySize)
	clean := true
	for i := range synd {
		synd[i] = polyEval(cw, alphaPow(i))
		if synd[i] != 0 {
			clean = false
		}
	}
	return synd, clean
}

// berlekampMassey finds the shortest linear feedback shift register that
// generates the syndrome sequence — equivalently, the error locator
// polynomial Lambda(x) (ascending, Lambda[0] == 1).
func berlekampMassey(synd []byte) []byte {
	c := []byte{1}
	b := []byte{1}
	l := 0
	m := 1
	bCoef := byte(1)

	for n := 0; n < len(synd); n++ {
		delta := synd[n]
		for i := 1; i <= l; i++ {
			if i < len(c) {
				delta ^= gmul(c[i], synd[n-i])
			}
		}
		if delta == 0 {
			m++
			continue
		}
		t := make([]byte, len(c))
		copy(t, c)

		scale := gdiv(delta, bCoef)
		needed := m + len(b)
		if needed > len(c) {
			grown := make([]byte, needed)
			copy(grown, c)
			c = grown
		}
		for i, bc := range b {
			if bc == 0 {
				continue
			}
			c[i+m] ^= gmul(scale, bc)
		}

		if 2*l <= n {
			l = n + 1 - l
			b = t
			bCoef = delta
			m = 1
		} else {
			m++
		}
	}

	return c[:l+1]
}

// chienSearch returns the codeword positions whose error locator root
// condition Lambda(alpha^-pos) == 0 holds, for pos in [0, n).
func chienSearch(lambda []byte, n int) []int {
	var positions []int
	for pos := 0; pos < n; pos++ {
		xInv := ginv(alphaPow(pos))
		if polyEval(lambda, xInv) == 0 {
			positions = append(positions, pos)
		}
	}
	return positions
}

// formalDerivative computes Lambda'(x) over GF(2): even-degree terms
// vanish, odd-degree terms survive with their coefficient shifted down one
// degree.
func formalDerivative(lambda []byte) []byte {
	if len(lambda) <= 1 {
		return []byte{0}
	}
	out := make([]byte, len(lambda)-1)
	for k := 1; k < len(lambda); k += 2 {
		out[k-1] = lambda[k]
	}
	return out
}
