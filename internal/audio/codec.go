package audio

import "fmt"

// Codec identifies a G.711 companded telephony encoding.
type Codec int

const (
	CodecULaw Codec = iota // G.711 u-law (PCMU)
	CodecALaw              // G.711 a-law (PCMA)
)

// ParseCodec maps a codec name from configuration to its constant.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "ulaw":
		return CodecULaw, nil
	case "alaw":
		return CodecALaw, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func (c Codec) String() string {
	switch c {
	case CodecULaw:
		return "ulaw"
	case CodecALaw:
		return "alaw"
	default:
		return "unknown"
	}
}

// SilenceByte returns the companded code for a zero-amplitude sample in
// this codec. Used to pad the partial tail frame to full length when a
// draining session flushes its buffered audio.
func (c Codec) SilenceByte() byte {
	if c == CodecALaw {
		return encodeAlaw(0)
	}
	return encodeUlaw(0)
}

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: maps each 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table: maps each 16-bit signed sample to an a-law byte.
var linearToAlaw [65536]uint8

func init() {
	// Build u-law decode table.
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
	}
	// Build a-law decode table.
	for i := 0; i < 256; i++ {
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	// Build u-law encode table.
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
	// Build a-law encode table.
	for i := -32768; i <= 32767; i++ {
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample. The
// reconstruction mirrors encodeUlaw's 0x84 bias so encode(decode(b))
// reproduces the same value.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := u & 0x80
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := ((mantissa<<3 + 0x84) << uint(exponent)) - 0x84
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	// Bias and clamp. Widened to int32 so negating -32768 cannot wrap.
	const bias = 0x84
	const clip = 32635

	v := int32(sample)
	sign := uint8(0)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 {
		if v&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (v >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	sign := uint8(0xD5)
	v := int32(sample)
	if v < 0 {
		v = -v
		sign = 0x55
	}
	if v > 32767 {
		v = 32767
	}

	var exponent int
	var mantissa int
	if v < 256 {
		exponent = 0
		mantissa = int(v >> 4)
	} else {
		exponent = 1
		threshold := int32(512)
		for exponent < 7 && v >= threshold {
			exponent++
			threshold <<= 1
		}
		mantissa = int(v>>(uint(exponent)+3)) & 0x0F
	}

	return uint8(exponent<<4|mantissa) ^ sign
}

// DecodeCompanded expands companded telephony bytes to 16-bit linear PCM
// samples. N input bytes yield exactly N samples. An empty input returns an
// empty slice.
func DecodeCompanded(codec Codec, data []byte) []int16 {
	if len(data) == 0 {
		return nil
	}
	samples := make([]int16, len(data))
	switch codec {
	case CodecALaw:
		for i, b := range data {
			samples[i] = alawToLinear[b]
		}
	default:
		for i, b := range data {
			samples[i] = ulawToLinear[b]
		}
	}
	return samples
}

// EncodeCompanded compresses 16-bit linear PCM samples to companded bytes.
// Lossy up to one companding quantization step, as G.711 defines. N input
// samples yield exactly N bytes. An empty input returns an empty slice.
func EncodeCompanded(codec Codec, samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	data := make([]byte, len(samples))
	switch codec {
	case CodecALaw:
		for i, s := range samples {
			data[i] = linearToAlaw[uint16(s)]
		}
	default:
		for i, s := range samples {
			data[i] = linearToUlaw[uint16(s)]
		}
	}
	return data
}
