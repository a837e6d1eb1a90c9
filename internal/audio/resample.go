package audio

import "math"

// Resample converts samples from srcRate to dstRate using a GCD-factored
// polyphase filter: upsample by L, low-pass filter, downsample by M, where
// L = dstRate/gcd(srcRate,dstRate) and M = srcRate/gcd(srcRate,dstRate).
// Returns the input unchanged if rates already match. Output length equals
// ceil(len(samples) * dstRate / srcRate), matching the codec contract.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}

	g := gcd(srcRate, dstRate)
	l := dstRate / g
	m := srcRate / g

	taps := polyphaseFilter(l, m)
	delay := (len(taps) - 1) / 2
	upLen := len(samples) * l
	outLen := (len(samples)*dstRate + srcRate - 1) / srcRate

	out := make([]float32, outLen)
	for outIdx := 0; outIdx < outLen; outIdx++ {
		center := outIdx*m + delay
		var acc float64
		for t := 0; t < len(taps); t++ {
			upIdx := center - t
			if upIdx < 0 || upIdx >= upLen || upIdx%l != 0 {
				continue // outside range or a zero-stuffed upsample slot
			}
			acc += float64(samples[upIdx/l]) * taps[t]
		}
		out[outIdx] = float32(acc)
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// polyphaseFilter builds a windowed-sinc low-pass FIR scaled for use as the
// interpolation filter in an L-up/M-down polyphase resampler.
func polyphaseFilter(l, m int) []float64 {
	factor := l
	if m > factor {
		factor = m
	}
	halfTaps := 10 * factor
	numTaps := 2*halfTaps + 1
	cutoff := 1.0 / float64(factor)

	taps := make([]float64, numTaps)
	for i := 0; i < numTaps; i++ {
		n := float64(i - halfTaps)
		var sinc float64
		if n == 0 {
			sinc = cutoff
		} else {
			x := math.Pi * cutoff * n
			sinc = math.Sin(x) / (math.Pi * n)
		}
		window := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(numTaps-1)) // Hamming
		taps[i] = sinc * window * float64(l)
	}
	return taps
}
