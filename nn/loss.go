package nn

import (
	"math"

	"github.com/pkg/errors"
)

// Softmax converts each row of [batch, classes] logits into probabilities.
func Softmax(logits *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, shapeErrorf("softmax: expected [batch, classes], got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	probs := NewTensor(batch, classes)
	probs.Device = logits.Device
	for b := 0; b < batch; b++ {
		row := logits.Data[b*classes : (b+1)*classes]
		out := probs.Data[b*classes : (b+1)*classes]

		// Subtract the row maximum for stability
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	}
	return probs, nil
}

// CrossEntropy computes the mean softmax cross-entropy of logits against
// integer labels and the gradient with respect to the logits.
func CrossEntropy(logits *Tensor, labels []int) (float64, *Tensor, error) {
	probs, err := Softmax(logits)
	if err != nil {
		return 0, nil, err
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return 0, nil, shapeErrorf("cross entropy: %d labels for batch of %d", len(labels), batch)
	}

	const epsilon = 1e-12
	grad := probs
	var loss float64
	scale := 1 / float32(batch)
	for b, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		p := float64(probs.Data[b*classes+label])
		loss -= math.Log(math.Max(p, epsilon))

		// d/dlogit = (softmax - onehot) / batch
		row := grad.Data[b*classes : (b+1)*classes]
		row[label] -= 1
		for i := range row {
			row[i] *= scale
		}
	}
	return loss / float64(batch), grad, nil
}

// Argmax returns the highest-scoring class of each row.
func Argmax(logits *Tensor) []int {
	batch, classes := logits.Shape[0], logits.Shape[1]
	preds := make([]int, batch)
	for b := 0; b < batch; b++ {
		row := logits.Data[b*classes : (b+1)*classes]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		preds[b] = best
	}
	return preds
}
