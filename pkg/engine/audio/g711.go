package audio

import "encoding/binary"

// G.711 companding. Both laws compress 14-bit (mu-law) or 13-bit (A-law)
// linear samples into 8 bits; decode tables are built once at init so the
// per-frame hot path is a table lookup.

const (
	ulawBias = 0x84
	ulawClip = 32635
	alawClip = 31744
)

var (
	ulawToPCM [256]int16
	alawToPCM [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		ulawToPCM[i] = decodeULawSample(byte(i))
		alawToPCM[i] = decodeALawSample(byte(i))
	}
}

func decodeULawSample(u byte) int16 {
	u = ^u
	sign := int(u & 0x80)
	exponent := int(u>>4) & 0x07
	mantissa := int(u) & 0x0F
	sample := ((mantissa << 3) + ulawBias) << uint(exponent)
	sample -= ulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func decodeALawSample(a byte) int16 {
	a ^= 0x55
	sign := int(a & 0x80)
	exponent := int(a>>4) & 0x07
	mantissa := int(a) & 0x0F
	var sample int
	if exponent == 0 {
		sample = (mantissa << 4) + 8
	} else {
		sample = ((mantissa << 4) + 0x108) << uint(exponent-1)
	}
	// A-law sign convention is inverted relative to mu-law: bit set means
	// positive.
	if sign == 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeULaw compresses one linear sample to mu-law.
func EncodeULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exponent := 7
	for mask := 0x4000; exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> uint(exponent+3)) & 0x0F
	return ^byte(sign | (exponent << 4) | mantissa)
}

// EncodeALaw compresses one linear sample to A-law.
func EncodeALaw(sample int16) byte {
	s := int(sample)
	sign := 0x80
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	if s > alawClip {
		s = alawClip
	}
	var out int
	if s >= 256 {
		exponent := 7
		for mask := 0x4000; exponent > 1 && s&mask == 0; mask >>= 1 {
			exponent--
		}
		mantissa := (s >> uint(exponent+3)) & 0x0F
		out = (exponent << 4) | mantissa
	} else {
		out = s >> 4
	}
	return byte(out|sign) ^ 0x55
}

// DecodeULaw expands mu-law bytes into PCM16 little-endian.
func DecodeULaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawToPCM[b]))
	}
	return out
}

// DecodeALaw expands A-law bytes into PCM16 little-endian.
func DecodeALaw(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(alawToPCM[b]))
	}
	return out
}

// EncodePCM16ULaw compresses PCM16 little-endian into mu-law bytes.
func EncodePCM16ULaw(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i := range out {
		out[i] = EncodeULaw(int16(binary.LittleEndian.Uint16(in[i*2:])))
	}
	return out
}

// EncodePCM16ALaw compresses PCM16 little-endian into A-law bytes.
func EncodePCM16ALaw(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i := range out {
		out[i] = EncodeALaw(int16(binary.LittleEndian.Uint16(in[i*2:])))
	}
	return out
}
