package audio

// Sample rates used across the bridge. The telephony leg is fixed at 8 kHz;
// the AI leg takes 16 kHz input and produces 24 kHz output.
const (
	TelephonyRate = 8000
	AIInputRate   = 16000
	AIOutputRate  = 24000
)

// clampInt16 clamps a 32-bit intermediate value to the signed 16-bit range
// to avoid overflow wraparound.
func clampInt16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Resample converts samples from one rate to another. Upsampling uses linear
// interpolation, integer-factor downsampling averages each window, and
// fractional ratios interpolate at the mapped source position. The output
// length is exactly len(samples)*toRate/fromRate, rounding down on the final
// partial window. An empty input returns an empty output.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if len(samples) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	if toRate > fromRate && toRate%fromRate == 0 {
		return upsample(samples, toRate/fromRate)
	}
	if fromRate > toRate && fromRate%toRate == 0 {
		return decimate(samples, fromRate/toRate)
	}
	return interpolate(samples, fromRate, toRate)
}

// upsample stretches samples by an integer factor, linearly interpolating
// between consecutive input samples. The final input sample is held for the
// trailing interpolation points.
func upsample(samples []int16, factor int) []int16 {
	out := make([]int16, len(samples)*factor)
	for i, cur := range samples {
		next := cur
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		for j := 0; j < factor; j++ {
			v := int32(cur) + (int32(next)-int32(cur))*int32(j)/int32(factor)
			out[i*factor+j] = clampInt16(v)
		}
	}
	return out
}

// decimate shrinks samples by an integer factor, averaging each window of
// factor samples. A trailing partial window is discarded.
func decimate(samples []int16, factor int) []int16 {
	n := len(samples) / factor
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var sum int32
		for j := 0; j < factor; j++ {
			sum += int32(samples[i*factor+j])
		}
		out[i] = clampInt16(sum / int32(factor))
	}
	return out
}

// interpolate handles fractional rate ratios (16 kHz ↔ 24 kHz) by sampling
// the input at the mapped fractional position of each output sample.
func interpolate(samples []int16, fromRate, toRate int) []int16 {
	n := len(samples) * toRate / fromRate
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		// Source position in fixed point: i * fromRate / toRate.
		num := i * fromRate
		idx := num / toRate
		frac := num % toRate
		cur := samples[idx]
		next := cur
		if idx+1 < len(samples) {
			next = samples[idx+1]
		}
		v := int32(cur) + (int32(next)-int32(cur))*int32(frac)/int32(toRate)
		out[i] = clampInt16(v)
	}
	return out
}

// BytesToSamples converts little-endian PCM16 wire bytes to samples. A
// trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return samples
}

// SamplesToBytes converts samples to little-endian PCM16 wire bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(uint16(s))
		data[2*i+1] = byte(uint16(s) >> 8)
	}
	return data
}
