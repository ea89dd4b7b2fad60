package led

import "math"

// gammaExponent is the exponent of the perceptual brightness curve used for Fade.
const gammaExponent = 2.6

// gamma8 maps a linear 8-bit intensity to a perceptually linear one.
var gamma8 [256]uint8

func init() {
	for i := range gamma8 {
		gamma8[i] = uint8(255*math.Pow(float64(i)/255, gammaExponent) + 0.5)
	}
}

// Gamma returns the gamma-corrected value of the linear intensity v.
func Gamma(v uint8) uint8 {
	return gamma8[v]
}
