package httpobj

import (
	"fmt"

	"firestige.xyz/vtrace/internal/core"
)

// compress(1) stream layout: magic, flags byte, then LSB-first LZW codes.
const (
	lzwMagic0     = 0x1f
	lzwMagic1     = 0x9d
	lzwBitsMask   = 0x1f
	lzwBlockMode  = 0x80
	lzwInitBits   = 9
	lzwClear      = 256
	lzwMaxMaxBits = 16
)

// uncompress decodes a compress(1) (.Z) stream. compress/lzw cannot read
// this format: it has no EOF code, pads to code-width groups and uses
// code 256 for table resets.
//
// The encoder writes codes in groups of eight. A width change or a reset
// flushes the partial group, so the decoder skips to the next group boundary
// measured from where the current width started.
func uncompress(data []byte, limit int) ([]byte, error) {
	if len(data) < 3 || data[0] != lzwMagic0 || data[1] != lzwMagic1 {
		return nil, fmt.Errorf("%w: compress: bad magic", core.ErrContentDecode)
	}
	maxBits := int(data[2] & lzwBitsMask)
	block := data[2]&lzwBlockMode != 0
	if maxBits < lzwInitBits || maxBits > lzwMaxMaxBits {
		return nil, fmt.Errorf("%w: compress: max bits %d", core.ErrContentDecode, maxBits)
	}

	src := data[3:]
	total := len(src) * 8
	prefix := make([]uint16, 1<<maxBits)
	suffix := make([]byte, 1<<maxBits)

	free := 256
	if block {
		free = 257
	}
	bits, pos, groupStart := lzwInitBits, 0, 0
	prev := -1
	var first byte
	var out, stack []byte

	pad := func() {
		group := bits * 8
		if rem := (pos - groupStart) % group; rem != 0 {
			pos += group - rem
		}
	}

	for len(out) < limit {
		if free > (1<<bits)-1 && bits < maxBits {
			pad()
			bits++
			groupStart = pos
		}
		if pos+bits > total {
			break
		}
		code := readBits(src, pos, bits)
		pos += bits

		if prev < 0 {
			if code > 255 {
				return out, fmt.Errorf("%w: compress: bad first code %d", core.ErrContentDecode, code)
			}
			first = byte(code)
			out = append(out, first)
			prev = code
			continue
		}
		if block && code == lzwClear {
			pad()
			bits, groupStart = lzwInitBits, pos
			free, prev = 257, -1
			continue
		}

		in := code
		stack = stack[:0]
		if code >= free {
			if code > free {
				return out, fmt.Errorf("%w: compress: code %d beyond table", core.ErrContentDecode, code)
			}
			stack = append(stack, first)
			code = prev
		}
		for code >= 256 {
			stack = append(stack, suffix[code])
			code = int(prefix[code])
		}
		first = byte(code)
		stack = append(stack, first)
		for i := len(stack) - 1; i >= 0; i-- {
			out = append(out, stack[i])
		}

		if free < 1<<maxBits {
			prefix[free] = uint16(prev)
			suffix[free] = first
			free++
		}
		prev = in
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// readBits returns the n-bit LSB-first code starting at bit pos. n <= 16.
func readBits(src []byte, pos, n int) int {
	b, off := pos/8, uint(pos%8)
	var w uint32
	for i := 0; i < 3 && b+i < len(src); i++ {
		w |= uint32(src[b+i]) << (8 * i)
	}
	return int(w>>off) & (1<<n - 1)
}
