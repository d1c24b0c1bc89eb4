// Package gpu runs the fusion additions of the wavelet pipeline on WebGPU.
package gpu

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	once    sync.Once
	initErr error
}

var (
	ctx    Context
	logger = slog.Default()
)

// SetLogger replaces the logger used for adapter selection messages.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// GetContext returns the singleton GPU context, initializing it if necessary.
// A failed initialization is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.initErr = ctx.init()
	})
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.New("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

// Available reports whether a WebGPU adapter and device could be acquired.
func Available() bool {
	_, err := GetContext()
	return err == nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return errors.New("failed to create WebGPU instance")
	}

	// Prefer a discrete NVIDIA adapter when one is enumerated.
	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		logger.Debug("gpu adapter found", "name", info.Name, "vendor", info.VendorName, "type", info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), "nvidia") ||
			strings.Contains(strings.ToLower(info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil {
			logger.Debug("gpu adapter request failed", "error", err)
		}
	}
	if c.Adapter == nil {
		return errors.Errorf("all adapter attempts failed: %v", err)
	}

	info := c.Adapter.GetInfo()
	logger.Info("using gpu adapter", "name", info.Name, "vendor", info.VendorName)

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return errors.Wrap(err, "request device")
	}
	c.Queue = c.Device.GetQueue()
	return nil
}
