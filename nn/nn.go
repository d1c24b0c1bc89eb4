// Package nn provides the CPU tensor layers used to build the residual backbone.
//
// Tensors are stored flat in NCHW order:
//   - convolution, batch norm and pooling layers take [batch, channels, height, width]
//   - the linear head takes [batch, features]
//   - parameters carry torch-style names ("layer2.0.conv1.weight") so snapshots line up
//     with state dicts exported from other frameworks
//
// Every layer implements Layer. Forward caches what Backward needs, so a layer
// instance serves one forward/backward pair at a time.
//
// Example usage:
//
//	backbone, _ := nn.NewBackbone(nn.DefaultBackboneConfig(6, 3))
//
//	// Bare residual network forward pass
//	logits, _ := backbone.Forward(images, false)
//
//	// Staged execution for fusion
//	f, _ := backbone.ForwardStem(images, true)
//	f, _ = backbone.ForwardStage(0, f, true)
package nn
