package gpu

import (
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

const (
	workgroupSize = 256
	// maxGroupsPerDim is the WebGPU default maxComputeWorkgroupsPerDimension.
	maxGroupsPerDim = 65535
	// maxChunk keeps each storage buffer at 64 MiB, under the default
	// 128 MiB binding limit.
	maxChunk = 1 << 24
)

// fuseShader adds feature and injection elementwise. Large inputs are
// dispatched over a 2D grid of workgroups; the flat index folds y back in.
const fuseShader = `
	@group(0) @binding(0) var<storage, read> feature : array<f32>;
	@group(0) @binding(1) var<storage, read> injection : array<f32>;
	@group(0) @binding(2) var<storage, read_write> output : array<f32>;

	@compute @workgroup_size(256)
	fn main(@builtin(global_invocation_id) gid: vec3<u32>,
	        @builtin(num_workgroups) groups: vec3<u32>) {
		let idx = gid.x + gid.y * groups.x * 256u;
		if (idx >= arrayLength(&output)) { return; }
		output[idx] = feature[idx] + injection[idx];
	}
`

// dispatchDims splits the workgroups needed for n elements over x and y so
// neither dimension exceeds maxGroupsPerDim.
func dispatchDims(n int) (x, y uint32) {
	groups := (n + workgroupSize - 1) / workgroupSize
	if groups <= maxGroupsPerDim {
		return uint32(groups), 1
	}
	return maxGroupsPerDim, uint32((groups + maxGroupsPerDim - 1) / maxGroupsPerDim)
}

// The pipeline does not depend on the element count, so it is compiled
// once per process.
var fusePipeline struct {
	once sync.Once
	pipe *wgpu.ComputePipeline
	err  error
}

func pipeline(c *Context) (*wgpu.ComputePipeline, error) {
	fusePipeline.once.Do(func() {
		module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          "Fuse_Shader",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: fuseShader},
		})
		if err != nil {
			fusePipeline.err = errors.Wrap(err, "compile fuse shader")
			return
		}
		defer module.Release()

		fusePipeline.pipe, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:   "Fuse_Pipe",
			Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
		})
		if err != nil {
			fusePipeline.err = errors.Wrap(err, "create fuse pipeline")
			return
		}
		logger.Debug("fuse pipeline compiled")
	})
	return fusePipeline.pipe, fusePipeline.err
}

// FuseLayer holds the per-call GPU buffers of one feature + injection sum.
type FuseLayer struct {
	Size int

	bindGroup *wgpu.BindGroup

	FeatureBuffer   *wgpu.Buffer
	InjectionBuffer *wgpu.Buffer
	OutputBuffer    *wgpu.Buffer
	StagingBuffer   *wgpu.Buffer
}

func (l *FuseLayer) allocate(c *Context, feature, injection []float32) error {
	var err error
	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

	if l.FeatureBuffer, err = NewFloatBuffer(c, "Fuse_Feature", feature, storage); err != nil {
		return err
	}
	if l.InjectionBuffer, err = NewFloatBuffer(c, "Fuse_Injection", injection, storage); err != nil {
		return err
	}
	l.OutputBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Fuse_Out",
		Size:  uint64(l.Size * 4),
		Usage: storage,
	})
	if err != nil {
		return errors.Wrap(err, "create output buffer")
	}
	l.StagingBuffer, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Fuse_Staging",
		Size:  uint64(l.Size * 4),
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	return errors.Wrap(err, "create staging buffer")
}

func (l *FuseLayer) bind(c *Context, pipe *wgpu.ComputePipeline) error {
	var err error
	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "Fuse_Bind",
		Layout: pipe.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.FeatureBuffer, Size: l.FeatureBuffer.GetSize()},
			{Binding: 1, Buffer: l.InjectionBuffer, Size: l.InjectionBuffer.GetSize()},
			{Binding: 2, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return errors.Wrap(err, "create fuse bind group")
}

func (l *FuseLayer) run(c *Context, pipe *wgpu.ComputePipeline) ([]float32, error) {
	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create command encoder")
	}
	defer enc.Release()

	x, y := dispatchDims(l.Size)
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, l.bindGroup, nil)
	pass.DispatchWorkgroups(x, y, 1)
	pass.End()
	pass.Release()
	enc.CopyBufferToBuffer(l.OutputBuffer, 0, l.StagingBuffer, 0, l.OutputBuffer.GetSize())

	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errors.Wrap(err, "finish command")
	}
	defer cmd.Release()
	c.Queue.Submit(cmd)
	return readStaging(c, l.StagingBuffer, l.Size)
}

// Cleanup releases the buffers and bind group held by the layer. The shared
// pipeline stays cached.
func (l *FuseLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.FeatureBuffer, l.InjectionBuffer, l.OutputBuffer, l.StagingBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
}

// Add returns feature + injection computed on the GPU, in chunks of at most
// maxChunk elements.
func Add(feature, injection []float32) ([]float32, error) {
	if len(feature) != len(injection) {
		return nil, errors.Errorf("fuse: %d feature values vs %d injection values", len(feature), len(injection))
	}
	if len(feature) == 0 {
		return []float32{}, nil
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline(c)
	if err != nil {
		return nil, err
	}

	out := make([]float32, 0, len(feature))
	for start := 0; start < len(feature); start += maxChunk {
		end := min(start+maxChunk, len(feature))
		sum, err := addChunk(c, pipe, feature[start:end], injection[start:end])
		if err != nil {
			return nil, errors.Wrapf(err, "fuse elements %d..%d", start, end)
		}
		out = append(out, sum...)
	}
	return out, nil
}

func addChunk(c *Context, pipe *wgpu.ComputePipeline, feature, injection []float32) ([]float32, error) {
	l := &FuseLayer{Size: len(feature)}
	defer l.Cleanup()
	if err := l.allocate(c, feature, injection); err != nil {
		return nil, err
	}
	if err := l.bind(c, pipe); err != nil {
		return nil, err
	}
	return l.run(c, pipe)
}
