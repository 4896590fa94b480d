package g711

import "encoding/binary"

const (
	signBit   = 0x80 // Sign bit of a companded byte.
	quantMask = 0x0f // Quantization field mask.
	segShift  = 4    // Left shift for segment number.
	segMask   = 0x70 // Segment field mask.

	clip = 32635
	bias = 0x84 // u-law bias for linear code.
)

// aLawCompressTable maps the high byte of a clipped magnitude to its A-law
// segment. Segments are 16 wide and double each step.
var aLawCompressTable = [128]int{
	1, 1, 2, 2, 3, 3, 3, 3,
	4, 4, 4, 4, 4, 4, 4, 4,
	5, 5, 5, 5, 5, 5, 5, 5,
	5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7,
}

var (
	uLawCompressTable [256]int
	ulaw2lin          [256]int16
	alaw2lin          [256]int16
)

func init() {
	for i := range uLawCompressTable {
		seg := 0
		for v := i >> 1; v > 0; v >>= 1 {
			seg++
		}
		uLawCompressTable[i] = seg
	}
	for i := range ulaw2lin {
		ulaw2lin[i] = int16(ulaw2linear(byte(i)))
		alaw2lin[i] = int16(alaw2linear(byte(i)))
	}
}

// Compress encodes one linear sample. useALaw selects PCMA, otherwise PCMU.
func Compress(sample int16, useALaw bool) byte {
	if useALaw {
		return linear2alaw(int(sample))
	}
	return linear2ulaw(int(sample))
}

// Decompress decodes one companded byte back to linear PCM.
func Decompress(b byte, useALaw bool) int16 {
	if useALaw {
		return alaw2lin[b]
	}
	return ulaw2lin[b]
}

// CompressFrame encodes 16-bit big-endian PCM. A trailing odd byte is ignored.
func CompressFrame(pcm []byte, useALaw bool) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = Compress(int16(binary.BigEndian.Uint16(pcm[2*i:])), useALaw)
	}
	return out
}

// DecompressFrame decodes companded bytes to 16-bit big-endian PCM.
func DecompressFrame(data []byte, useALaw bool) []byte {
	out := make([]byte, 2*len(data))
	for i, b := range data {
		binary.BigEndian.PutUint16(out[2*i:], uint16(Decompress(b, useALaw)))
	}
	return out
}

func linear2alaw(value int) byte {
	sign := (^value >> 8) & signBit
	if sign == 0 {
		value = -value
	}
	if value > clip {
		value = clip
	}
	var compressed int
	if value >= 256 {
		exponent := aLawCompressTable[(value>>8)&0x7f]
		mantissa := (value >> (exponent + 3)) & quantMask
		compressed = 0x7f & (exponent<<4 | mantissa)
	} else {
		compressed = 0x7f & (value >> 4)
	}
	return byte(compressed ^ (sign ^ 0x55))
}

func linear2ulaw(value int) byte {
	sign := (value >> 8) & signBit
	if sign != 0 {
		value = -value
	}
	if value > clip {
		value = clip
	}
	value += bias
	exponent := uLawCompressTable[(value>>7)&0xff]
	mantissa := (value >> (exponent + 3)) & quantMask
	return ^byte(sign | exponent<<4 | mantissa)
}

func alaw2linear(v byte) int {
	v ^= 0x55

	t := int(v & quantMask)
	seg := int((uint(v) & segMask) >> segShift)
	if seg != 0 {
		t = (t + t + 1 + 32) << (seg + 2)
	} else {
		t = (t + t + 1) << 3
	}

	if (v & signBit) != 0 {
		return t
	}
	return -t
}

func ulaw2linear(v byte) int {
	v = ^v

	t := (int(v&quantMask) << 3) + bias
	t <<= (uint(v) & segMask) >> segShift

	if (v & signBit) != 0 {
		return bias - t
	}
	return t - bias
}
