package pipeline

import "math"

// DefaultStride is how many frames pass between detector calls in the primary pass.
const DefaultStride = 10

// FallbackFPS is used whenever the source does not report a usable frame rate.
const FallbackFPS = 24.0

// ShouldScore decides whether the primary pass sends a frame to the detector.
// counter is the running 1-based frame counter, so the first scored frame is the
// stride-th one and a source shorter than stride is never scored.
func ShouldScore(counter, stride int) bool {
	return counter > 0 && counter%stride == 0
}

// ScoresSecond decides whether the per-second pass sends a frame to the detector.
// Unlike ShouldScore it works on 0-based indices, so frame 0 is always scored.
func ScoresSecond(index, fpsInt int) bool {
	return index%fpsInt == 0
}

// EffectiveFPS returns the reported rate, or FallbackFPS if it is zero or unreadable.
func EffectiveFPS(reported float64) float64 {
	if reported <= 0 || math.IsNaN(reported) || math.IsInf(reported, 0) {
		return FallbackFPS
	}
	return reported
}

// SecondRate is the whole number of frames that make up one bucketed second.
// Rates below 1 fps are clamped to 1 so every frame maps to a second.
func SecondRate(fps float64) int {
	n := int(math.Floor(EffectiveFPS(fps)))
	if n < 1 {
		return 1
	}
	return n
}
