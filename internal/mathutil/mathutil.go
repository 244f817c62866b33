// Package mathutil holds the float32 vector math shared by the indexes and
// the local embedding functions.
package mathutil

import "math"

// DotProduct computes the dot product of two equal-length vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm computes the L2 norm of a vector.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(DotProduct(v, v))))
}

// NormalizeInPlace scales v to unit length.
func NormalizeInPlace(v []float32) {
	norm := Norm(v)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

// CosineSimilarity is 1 for identical directions, 0 for perpendicular and
// -1 for opposite. Zero vectors have similarity 0 with everything.
func CosineSimilarity(a, b []float32) float32 {
	normA := Norm(a)
	normB := Norm(b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return DotProduct(a, b) / (normA * normB)
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2].
func CosineDistance(a, b []float32) float32 {
	return 1 - CosineSimilarity(a, b)
}

// SquaredL2 is the squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// L2Distance is the Euclidean distance.
func L2Distance(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredL2(a, b))))
}
