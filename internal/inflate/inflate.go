// Package inflate implements a raw DEFLATE (RFC 1951) decoder whose complete
// state can be deep-copied. Random-access gzip readers clone the decoder at
// intervals and later resume decompression from a clone instead of from the
// start of the stream.
package inflate

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sync"
)

// ErrCorrupt reports invalid DEFLATE data.
var ErrCorrupt = errors.New("inflate: corrupt input")

var errNoSource = errors.New("inflate: no input source")

const (
	maxBits    = 15
	maxLit     = 288
	maxDist    = 30
	fastBits   = 9
	windowSize = 1 << 15
	windowMask = windowSize - 1
	inputSize  = 4096
)

var (
	lenBase  = [29]uint16{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
	lenExtra = [29]uint8{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}

	distBase  = [30]uint16{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
	distExtra = [30]uint8{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}

	codeLengthOrder = [19]uint8{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}
)

// huffman is a canonical prefix code. Codes of up to fastBits bits are
// resolved with one table lookup; longer codes are decoded bit by bit from
// the per-length counts.
type huffman struct {
	count  [maxBits + 1]uint16
	symbol [maxLit]uint16
	// fast entries pack symbol | length<<12, indexed by the next fastBits
	// input bits; zero means the code is longer than fastBits.
	fast [1 << fastBits]uint16
}

func (h *huffman) build(lengths []uint8) error {
	*h = huffman{}
	for _, l := range lengths {
		h.count[l]++
	}
	if int(h.count[0]) == len(lengths) {
		return nil
	}
	h.count[0] = 0

	left := 1
	for l := 1; l <= maxBits; l++ {
		left <<= 1
		left -= int(h.count[l])
		if left < 0 {
			return fmt.Errorf("%w: over-subscribed code lengths", ErrCorrupt)
		}
	}

	var offs [maxBits + 1]uint16
	for l := 1; l < maxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	for sym, l := range lengths {
		if l != 0 {
			h.symbol[offs[l]] = uint16(sym)
			offs[l]++
		}
	}

	var next [maxBits + 1]int
	code := 0
	for l := 1; l <= maxBits; l++ {
		code = (code + int(h.count[l-1])) << 1
		next[l] = code
	}
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		c := next[l]
		next[l]++
		if l > fastBits {
			continue
		}
		rev := int(bits.Reverse16(uint16(c)) >> (16 - l))
		entry := uint16(sym) | uint16(l)<<12
		for i := rev; i < len(h.fast); i += 1 << l {
			h.fast[i] = entry
		}
	}
	return nil
}

var (
	fixedOnce sync.Once
	fixedLit  huffman
	fixedDist huffman
)

func fixedTables() (*huffman, *huffman) {
	fixedOnce.Do(func() {
		var lengths [maxLit]uint8
		for i := range lengths {
			switch {
			case i < 144:
				lengths[i] = 8
			case i < 256:
				lengths[i] = 9
			case i < 280:
				lengths[i] = 7
			default:
				lengths[i] = 8
			}
		}
		_ = fixedLit.build(lengths[:])
		var dist [maxDist]uint8
		for i := range dist {
			dist[i] = 5
		}
		_ = fixedDist.build(dist[:])
	})
	return &fixedLit, &fixedDist
}

type blockState uint8

const (
	stateHeader blockState = iota
	stateStored
	stateHuffman
	stateDone
)

// Decoder is a pull-style DEFLATE decoder. It is not safe for concurrent use.
type Decoder struct {
	src       io.Reader
	buf       []byte
	bufPos    int
	bufEnd    int
	srcOffset int64

	bitbuf uint64
	nbits  uint

	state      blockState
	final      bool
	storedLeft int
	copyLen    int
	copyDist   int

	lit     *huffman
	dist    *huffman
	dynLit  huffman
	dynDist huffman

	hist  []byte
	wpos  int
	hfull bool
	out   int64

	err error
}

// NewDecoder returns a decoder reading compressed data from src. offset is
// the position of src within the enclosing file and only affects the values
// reported by InputOffset and SourceOffset.
func NewDecoder(src io.Reader, offset int64) *Decoder {
	return &Decoder{
		src:       src,
		buf:       make([]byte, inputSize),
		srcOffset: offset,
		hist:      make([]byte, windowSize),
	}
}

// Clone returns a deep copy of the decoder without an input source. Before
// reading, the copy needs SetSource with a reader positioned at SourceOffset.
func (d *Decoder) Clone() *Decoder {
	c := *d
	c.src = nil
	c.buf = append([]byte(nil), d.buf...)
	c.hist = append([]byte(nil), d.hist...)
	if d.lit == &d.dynLit {
		c.lit = &c.dynLit
	}
	if d.dist == &d.dynDist {
		c.dist = &c.dynDist
	}
	return &c
}

// SetSource replaces the input reader. r must continue at SourceOffset.
func (d *Decoder) SetSource(r io.Reader) { d.src = r }

// SourceOffset is the offset of the next byte the decoder will take from its
// source.
func (d *Decoder) SourceOffset() int64 { return d.srcOffset }

// InputOffset is the offset just past the last compressed byte consumed by
// decoding. Input that was read ahead but not yet used is excluded.
func (d *Decoder) InputOffset() int64 {
	return d.srcOffset - int64(d.bufEnd-d.bufPos) - int64(d.nbits/8)
}

// OutputOffset is the number of bytes produced since the last Restart.
func (d *Decoder) OutputOffset() int64 { return d.out }

// Done reports whether the final block has been decoded.
func (d *Decoder) Done() bool { return d.state == stateDone }

// Err returns the sticky decoding error, if any.
func (d *Decoder) Err() error { return d.err }

// Restart prepares the decoder for a new DEFLATE stream that follows in the
// same input, such as the next member of a multi-member gzip file. Buffered
// input is kept; partial bits are dropped.
func (d *Decoder) Restart() {
	d.align()
	d.state = stateHeader
	d.final = false
	d.storedLeft, d.copyLen, d.copyDist = 0, 0, 0
	d.lit, d.dist = nil, nil
	d.wpos, d.hfull, d.out = 0, false, 0
	d.err = nil
}

func (d *Decoder) refill() error {
	if d.src == nil {
		return errNoSource
	}
	for {
		n, err := d.src.Read(d.buf)
		if n > 0 {
			d.bufPos, d.bufEnd = 0, n
			d.srcOffset += int64(n)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (d *Decoder) readByte() (byte, error) {
	if d.bufPos == d.bufEnd {
		if err := d.refill(); err != nil {
			return 0, err
		}
	}
	b := d.buf[d.bufPos]
	d.bufPos++
	return b, nil
}

// fill ensures at least n bits are buffered.
func (d *Decoder) fill(n uint) error {
	for d.nbits < n {
		b, err := d.readByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		d.bitbuf |= uint64(b) << d.nbits
		d.nbits += 8
	}
	return nil
}

// tryFill buffers up to n bits, stopping quietly at end of input.
func (d *Decoder) tryFill(n uint) error {
	err := d.fill(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

func (d *Decoder) consume(n uint) {
	d.bitbuf >>= n
	d.nbits -= n
}

func (d *Decoder) getBits(n uint) (int, error) {
	if err := d.fill(n); err != nil {
		return 0, err
	}
	v := int(d.bitbuf & (1<<n - 1))
	d.consume(n)
	return v, nil
}

func (d *Decoder) align() {
	d.consume(d.nbits % 8)
}

func (d *Decoder) decode(h *huffman) (int, error) {
	if err := d.tryFill(fastBits); err != nil {
		return 0, err
	}
	if e := h.fast[d.bitbuf&(1<<fastBits-1)]; e != 0 {
		if l := uint(e >> 12); l <= d.nbits {
			d.consume(l)
			return int(e & 0xfff), nil
		}
	}

	code, first, index := 0, 0, 0
	for l := 1; l <= maxBits; l++ {
		b, err := d.getBits(1)
		if err != nil {
			return 0, err
		}
		code |= b
		count := int(h.count[l])
		if code-count < first {
			return int(h.symbol[index+(code-first)]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, fmt.Errorf("%w: invalid code", ErrCorrupt)
}

func (d *Decoder) emit(b byte) {
	d.hist[d.wpos] = b
	d.wpos = (d.wpos + 1) & windowMask
	if d.wpos == 0 {
		d.hfull = true
	}
	d.out++
}

func (d *Decoder) emitBytes(p []byte) {
	for len(p) > 0 {
		k := copy(d.hist[d.wpos:], p)
		p = p[k:]
		d.wpos = (d.wpos + k) & windowMask
		if d.wpos == 0 {
			d.hfull = true
		}
		d.out += int64(k)
	}
}

func (d *Decoder) fail(n int, err error) (int, error) {
	d.err = err
	return n, err
}

// Read decompresses into p. It returns io.EOF after the final block.
func (d *Decoder) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	n := 0
	for n < len(p) {
		switch d.state {
		case stateHeader:
			if d.final {
				d.state = stateDone
				continue
			}
			if err := d.fill(3); err != nil {
				return d.fail(n, err)
			}
			d.final = d.bitbuf&1 == 1
			typ := (d.bitbuf >> 1) & 3
			d.consume(3)
			switch typ {
			case 0:
				if err := d.storedHeader(); err != nil {
					return d.fail(n, err)
				}
			case 1:
				d.lit, d.dist = fixedTables()
				d.state = stateHuffman
			case 2:
				if err := d.dynamicHeader(); err != nil {
					return d.fail(n, err)
				}
				d.lit, d.dist = &d.dynLit, &d.dynDist
				d.state = stateHuffman
			default:
				return d.fail(n, fmt.Errorf("%w: invalid block type", ErrCorrupt))
			}

		case stateStored:
			if d.storedLeft == 0 {
				d.state = stateHeader
				continue
			}
			if d.nbits >= 8 {
				b := byte(d.bitbuf)
				d.consume(8)
				p[n] = b
				d.emit(b)
				n++
				d.storedLeft--
				continue
			}
			if d.bufPos == d.bufEnd {
				if err := d.refill(); err != nil {
					if errors.Is(err, io.EOF) {
						err = io.ErrUnexpectedEOF
					}
					return d.fail(n, err)
				}
			}
			k := min(d.storedLeft, len(p)-n, d.bufEnd-d.bufPos)
			chunk := d.buf[d.bufPos : d.bufPos+k]
			copy(p[n:], chunk)
			d.emitBytes(chunk)
			d.bufPos += k
			d.storedLeft -= k
			n += k

		case stateHuffman:
			if d.copyLen > 0 {
				for d.copyLen > 0 && n < len(p) {
					b := d.hist[(d.wpos-d.copyDist)&windowMask]
					p[n] = b
					d.emit(b)
					n++
					d.copyLen--
				}
				continue
			}
			sym, err := d.decode(d.lit)
			if err != nil {
				return d.fail(n, err)
			}
			switch {
			case sym < 256:
				p[n] = byte(sym)
				d.emit(byte(sym))
				n++
			case sym == 256:
				d.state = stateHeader
			default:
				if err := d.backReference(sym - 257); err != nil {
					return d.fail(n, err)
				}
			}

		case stateDone:
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
	}
	return n, nil
}

func (d *Decoder) storedHeader() error {
	d.align()
	length, err := d.getBits(16)
	if err != nil {
		return err
	}
	nlength, err := d.getBits(16)
	if err != nil {
		return err
	}
	if length != ^nlength&0xffff {
		return fmt.Errorf("%w: stored block length mismatch", ErrCorrupt)
	}
	d.storedLeft = length
	d.state = stateStored
	return nil
}

func (d *Decoder) backReference(sym int) error {
	if sym >= len(lenBase) {
		return fmt.Errorf("%w: invalid length symbol", ErrCorrupt)
	}
	extra, err := d.getBits(uint(lenExtra[sym]))
	if err != nil {
		return err
	}
	length := int(lenBase[sym]) + extra

	dsym, err := d.decode(d.dist)
	if err != nil {
		return err
	}
	if dsym >= len(distBase) {
		return fmt.Errorf("%w: invalid distance symbol", ErrCorrupt)
	}
	extra, err = d.getBits(uint(distExtra[dsym]))
	if err != nil {
		return err
	}
	dist := int(distBase[dsym]) + extra
	if !d.hfull && dist > d.wpos {
		return fmt.Errorf("%w: distance %d too far back", ErrCorrupt, dist)
	}
	d.copyLen, d.copyDist = length, dist
	return nil
}

func (d *Decoder) dynamicHeader() error {
	nlen, err := d.getBits(5)
	if err != nil {
		return err
	}
	ndist, err := d.getBits(5)
	if err != nil {
		return err
	}
	ncode, err := d.getBits(4)
	if err != nil {
		return err
	}
	nlen += 257
	ndist++
	ncode += 4
	if nlen > 286 || ndist > maxDist {
		return fmt.Errorf("%w: bad counts", ErrCorrupt)
	}

	var lengths [maxLit + maxDist]uint8
	for i := range ncode {
		v, err := d.getBits(3)
		if err != nil {
			return err
		}
		lengths[codeLengthOrder[i]] = uint8(v)
	}
	var lencode huffman
	if err := lencode.build(lengths[:19]); err != nil {
		return err
	}
	clear(lengths[:19])

	for index := 0; index < nlen+ndist; {
		sym, err := d.decode(&lencode)
		if err != nil {
			return err
		}
		if sym < 16 {
			lengths[index] = uint8(sym)
			index++
			continue
		}
		var value uint8
		var repeat int
		switch sym {
		case 16:
			if index == 0 {
				return fmt.Errorf("%w: repeat with no first length", ErrCorrupt)
			}
			value = lengths[index-1]
			r, err := d.getBits(2)
			if err != nil {
				return err
			}
			repeat = 3 + r
		case 17:
			r, err := d.getBits(3)
			if err != nil {
				return err
			}
			repeat = 3 + r
		default:
			r, err := d.getBits(7)
			if err != nil {
				return err
			}
			repeat = 11 + r
		}
		if index+repeat > nlen+ndist {
			return fmt.Errorf("%w: too many lengths", ErrCorrupt)
		}
		for range repeat {
			lengths[index] = value
			index++
		}
	}
	if lengths[256] == 0 {
		return fmt.Errorf("%w: missing end-of-block code", ErrCorrupt)
	}
	if err := d.dynLit.build(lengths[:nlen]); err != nil {
		return err
	}
	return d.dynDist.build(lengths[nlen : nlen+ndist])
}

// ReadRaw reads input bytes that follow the DEFLATE stream, such as a gzip
// trailer. It discards any partial byte first.
func (d *Decoder) ReadRaw(p []byte) (int, error) {
	d.align()
	n := 0
	for n < len(p) && d.nbits >= 8 {
		p[n] = byte(d.bitbuf)
		d.consume(8)
		n++
	}
	if n == len(p) {
		return n, nil
	}
	if d.bufPos == d.bufEnd {
		if n > 0 {
			return n, nil
		}
		if err := d.refill(); err != nil {
			return 0, err
		}
	}
	k := copy(p[n:], d.buf[d.bufPos:d.bufEnd])
	d.bufPos += k
	return n + k, nil
}

// RawReader returns an io.Reader over the input following the stream.
func (d *Decoder) RawReader() io.Reader { return rawReader{d} }

type rawReader struct{ d *Decoder }

func (r rawReader) Read(p []byte) (int, error) { return r.d.ReadRaw(p) }
