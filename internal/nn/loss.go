package nn

import "math"

// SoftmaxCrossEntropy computes the mean cross-entropy of logits (batch,
// classes) against integer labels, and the gradient w.r.t. the logits.
func SoftmaxCrossEntropy(logits *Tensor, labels []int) (float64, *Tensor) {
	n, k := logits.Shape[0], logits.Shape[1]

	grad := NewTensor(n, k)
	loss := 0.0
	for b := 0; b < n; b++ {
		row := logits.Data[b*k : (b+1)*k]

		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}

		sum := 0.0
		for _, v := range row {
			sum += math.Exp(v - maxv)
		}
		logSum := math.Log(sum) + maxv

		loss += logSum - row[labels[b]]

		for c := 0; c < k; c++ {
			p := math.Exp(row[c] - logSum)
			if c == labels[b] {
				p -= 1
			}
			grad.Data[b*k+c] = p / float64(n)
		}
	}

	return loss / float64(n), grad
}
