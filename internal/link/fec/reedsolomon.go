package fec

// Reed-Solomon(255,223) over GF(256), generator 0x11D, 32 parity symbols
// (2t = 32, t = 16 correctable byte errors), matching original_source/
// mavlink.c's encode_rs_8/decode_rs_8 calls (itself built on the Phil Karn
// libfec convention this package's function names echo).

const (
	rsFieldSize  = 256
	rsPrimPoly   = 0x11D
	// RSParity is the number of Reed-Solomon parity bytes appended per
	// frame (32), matching spec's "corrects up to 16 byte errors".
	RSParity = 32
	// RSDataMax is the largest virtual data block (223 bytes) the code
	// operates over per spec's 255-byte-codeword budget.
	RSDataMax = 255 - RSParity
)

var gfExp [512]byte
var gfLog [256]byte

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[byte(x)] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= rsPrimPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[(int(gfLog[a])-int(gfLog[b])+255)%255]
}

func gfPow(a byte, power int) byte {
	p := ((int(gfLog[a]) * power) % 255)
	if p < 0 {
		p += 255
	}
	return gfExp[p]
}

func gfInverse(a byte) byte {
	return gfExp[255-int(gfLog[a])]
}

func gfPolyMul(p, q []byte) []byte {
	r := make([]byte, len(p)+len(q)-1)
	for j := range q {
		if q[j] == 0 {
			continue
		}
		for i := range p {
			r[i+j] ^= gfMul(p[i], q[j])
		}
	}
	return r
}

// gfPolyEval evaluates polynomial p (coefficients highest-degree first) at x.
func gfPolyEval(p []byte, x byte) byte {
	y := p[0]
	for i := 1; i < len(p); i++ {
		y = gfMul(y, x) ^ p[i]
	}
	return y
}

func rsGeneratorPoly(nsym int) []byte {
	g := []byte{1}
	for i := 0; i < nsym; i++ {
		g = gfPolyMul(g, []byte{1, gfPow(2, i)})
	}
	return g
}

// Encode appends RSParity Reed-Solomon parity bytes to msg (which must be
// at most RSDataMax bytes), returning the full codeword.
func Encode(msg []byte) []byte {
	gen := rsGeneratorPoly(RSParity)
	out := make([]byte, len(msg)+RSParity)
	copy(out, msg)
	for i := 0; i < len(msg); i++ {
		coef := out[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(gen); j++ {
			out[i+j] ^= gfMul(gen[j], coef)
		}
	}
	copy(out, msg)
	return out
}

// rsCalcSyndromes computes the 2t syndrome values for a received codeword;
// all-zero syndromes mean no errors are present.
func rsCalcSyndromes(msg []byte, nsym int) []byte {
	synd := make([]byte, nsym)
	for i := 0; i < nsym; i++ {
		synd[i] = gfPolyEval(msg, gfPow(2, i))
	}
	return synd
}

// rsFindErrorLocator runs the Berlekamp-Massey algorithm over the syndrome
// polynomial, returning the error locator polynomial sigma, or nil if more
// errors are present than the code can resolve.
func rsFindErrorLocator(synd []byte, nsym int) []byte {
	errLoc := []byte{1}
	oldLoc := []byte{1}
	for i := 0; i < nsym; i++ {
		oldLoc = append(oldLoc, 0)
		delta := synd[i]
		for j := 1; j < len(errLoc); j++ {
			delta ^= gfMul(errLoc[len(errLoc)-1-j], synd[i-j])
		}
		if delta != 0 {
			if len(oldLoc) > len(errLoc) {
				newLoc := gfPolyScale(oldLoc, delta)
				oldLoc = gfPolyScale(errLoc, gfInverse(delta))
				errLoc = newLoc
			}
			errLoc = gfPolyAddXor(errLoc, gfPolyScale(oldLoc, delta))
		}
	}
	// trim leading zero coefficients
	shift := 0
	for shift < len(errLoc) && errLoc[shift] == 0 {
		shift++
	}
	errLoc = errLoc[shift:]
	errs := len(errLoc) - 1
	if errs*2 > nsym {
		return nil // too many errors to correct
	}
	return errLoc
}

func gfPolyScale(p []byte, x byte) []byte {
	r := make([]byte, len(p))
	for i := range p {
		r[i] = gfMul(p[i], x)
	}
	return r
}

func gfPolyAddXor(p, q []byte) []byte {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	r := make([]byte, n)
	copy(r[n-len(p):], p)
	for i, v := range q {
		r[n-len(q)+i] ^= v
	}
	return r
}

// rsFindErrors performs a Chien search: it tries every codeword position as
// a candidate root of the error locator polynomial, returning the byte
// positions (from the start of msg) where errors occurred.
func rsFindErrors(errLoc []byte, msgLen int) []int {
	errs := len(errLoc) - 1
	var pos []int
	for i := 0; i < msgLen; i++ {
		if gfPolyEval(errLoc, gfPow(2, i)) == 0 {
			pos = append(pos, msgLen-1-i)
		}
	}
	if len(pos) != errs {
		return nil
	}
	return pos
}

// rsErrataLocator builds the error locator polynomial directly from known
// error coefficient positions, as the product of (1 + X_i*x) terms.
func rsErrataLocator(coefPos []int) []byte {
	e := []byte{1}
	for _, cp := range coefPos {
		e = gfPolyMul(e, []byte{gfPow(2, cp), 1})
	}
	return e
}

// rsErrorEvaluator computes the error evaluator polynomial
// Omega(x) = (S(x)*Sigma(x)) mod x^(nerrs+1), returned highest-degree-first.
func rsErrorEvaluator(synd, errLoc []byte, nerrs int) []byte {
	prod := gfPolyMul(reverseBytes(synd), errLoc)
	want := nerrs + 1
	if len(prod) > want {
		prod = prod[len(prod)-want:]
	}
	return prod
}

// rsCorrectErrata applies the Forney algorithm to compute and apply error
// magnitudes at the given positions.
func rsCorrectErrata(msg, synd []byte, errPos []int) bool {
	coefPos := make([]int, len(errPos))
	for i, p := range errPos {
		coefPos[i] = len(msg) - 1 - p
	}
	errLoc := rsErrataLocator(coefPos)
	// The evaluator is built from x*S(x) (a leading zero syndrome term),
	// which the Forney step below needs for a first root of 2^0.
	errEval := rsErrorEvaluator(append([]byte{0}, synd...), errLoc, len(errLoc)-1)

	xs := make([]byte, len(coefPos))
	for i, cp := range coefPos {
		xs[i] = gfPow(2, cp)
	}

	for i, xi := range xs {
		xiInv := gfInverse(xi)

		errLocPrime := byte(1)
		for j, xj := range xs {
			if j == i {
				continue
			}
			errLocPrime = gfMul(errLocPrime, byte(1)^gfMul(xiInv, xj))
		}
		if errLocPrime == 0 {
			return false
		}
		y := gfPolyEval(errEval, xiInv)
		y = gfMul(xi, y)
		magnitude := gfDiv(y, errLocPrime)
		msg[errPos[i]] ^= magnitude
	}
	return true
}

func reverseBytes(b []byte) []byte {
	r := make([]byte, len(b))
	for i, v := range b {
		r[len(b)-1-i] = v
	}
	return r
}

// Decode corrects up to RSParity/2 byte errors in a received codeword and
// returns the original message bytes (without parity), or ok=false if the
// codeword has more errors than the code can resolve.
func Decode(codeword []byte) (msg []byte, ok bool) {
	buf := append([]byte(nil), codeword...)
	synd := rsCalcSyndromes(buf, RSParity)

	allZero := true
	for _, s := range synd {
		if s != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return buf[:len(buf)-RSParity], true
	}

	errLoc := rsFindErrorLocator(synd, RSParity)
	if errLoc == nil {
		return nil, false
	}
	// Berlekamp-Massey yields sigma with roots at the inverse error
	// locations; reversed, its roots are the locations themselves.
	errPos := rsFindErrors(reverseBytes(errLoc), len(buf))
	if errPos == nil {
		return nil, false
	}
	if !rsCorrectErrata(buf, synd, errPos) {
		return nil, false
	}

	verify := rsCalcSyndromes(buf, RSParity)
	for _, s := range verify {
		if s != 0 {
			return nil, false
		}
	}
	return buf[:len(buf)-RSParity], true
}
