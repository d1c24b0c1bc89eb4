package nn

import "github.com/pkg/errors"

// Error taxonomy shared by the backbone, the fusion pipeline and the snapshot loader.
var (
	// ErrShapeMismatch is returned when two operands of a shape-sensitive
	// operation disagree, or when an injection adapter cannot produce the
	// feature shape of its stage.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDevicePlacement is returned when elementwise operands live on
	// different compute devices.
	ErrDevicePlacement = errors.New("device placement mismatch")

	// ErrParameterLoadMismatch is returned when a snapshot's names or shapes
	// do not match the constructed network.
	ErrParameterLoadMismatch = errors.New("parameter load mismatch")

	// ErrNumericDegenerate marks values that became non-finite, such as a
	// zero-variance wavelet map after normalization.
	ErrNumericDegenerate = errors.New("numeric degenerate")
)

func shapeErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}
