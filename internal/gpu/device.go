// Package gpu opens and adopts HAL devices for the render pipeline.
package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrNoAdapter is returned when a backend exposes no usable adapter.
var ErrNoAdapter = errors.New("gpu: no adapters found")

// Device is an opened HAL device and its queue.
//
// A Device either owns the underlying HAL objects (created by [Open]) or
// borrows them from an external provider ([Adopt]); Close only destroys
// what it owns.
type Device struct {
	Device hal.Device
	Queue  hal.Queue
	Info   gpucontext.AdapterInfo

	instance hal.Instance
	external bool
}

// Backends maps config names to HAL backends. The software and noop HALs
// both register as the empty backend; whichever was linked in serves it.
var Backends = map[string]gputypes.Backend{
	"vulkan":   gputypes.BackendVulkan,
	"software": gputypes.BackendEmpty,
	"noop":     gputypes.BackendEmpty,
}

// ParseBackend resolves a backend name from configuration.
func ParseBackend(name string) (gputypes.Backend, error) {
	b, ok := Backends[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("gpu: unknown backend %q", name)
	}
	return b, nil
}

// Adapter describes one enumerated adapter.
type Adapter struct {
	Name string
	Type gpucontext.AdapterType
}

// ListAdapters enumerates the adapters of a registered backend.
func ListAdapters(backend gputypes.Backend) ([]Adapter, error) {
	instance, err := createInstance(backend)
	if err != nil {
		return nil, err
	}
	defer instance.Destroy()

	exposed := instance.EnumerateAdapters(nil)
	out := make([]Adapter, 0, len(exposed))
	for i := range exposed {
		out = append(out, Adapter{Name: exposed[i].Info.Name, Type: adapterType(exposed[i].Info.DeviceType)})
	}
	return out, nil
}

// Open creates an instance of backend, selects the best adapter
// (discrete, then integrated, then whatever comes first) and opens it.
func Open(backend gputypes.Backend) (*Device, error) {
	instance, err := createInstance(backend)
	if err != nil {
		return nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	selected := &adapters[0]
	for _, want := range []gputypes.DeviceType{gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU} {
		if i := indexOfType(adapters, want); i >= 0 {
			selected = &adapters[i]
			break
		}
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}
	d := &Device{
		Device:   openDev.Device,
		Queue:    openDev.Queue,
		Info:     gpucontext.AdapterInfo{Name: selected.Info.Name, Type: adapterType(selected.Info.DeviceType)},
		instance: instance,
	}
	slogger().Info("gpu: device opened", "adapter", d.Info.Name, "type", d.Info.Type)
	return d, nil
}

// Adopt wraps a device owned by someone else. Close will not destroy it.
func Adopt(device hal.Device, queue hal.Queue, info gpucontext.AdapterInfo) (*Device, error) {
	if device == nil || queue == nil {
		return nil, errors.New("gpu: adopt requires a device and a queue")
	}
	return &Device{Device: device, Queue: queue, Info: info, external: true}, nil
}

// FromProvider adopts the HAL device behind a gpucontext.DeviceProvider.
//
// The provider's Device and Queue may be HAL objects directly, or the
// provider may expose them through HalDevice() any and HalQueue() any.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	if provider == nil {
		return nil, errors.New("gpu: nil device provider")
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	var devAny, queueAny any = provider.Device(), provider.Queue()
	if hp, ok := provider.(halProvider); ok {
		devAny, queueAny = hp.HalDevice(), hp.HalQueue()
	}
	device, ok := devAny.(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("gpu: provider device %T is not hal.Device", devAny)
	}
	queue, ok := queueAny.(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("gpu: provider queue %T is not hal.Queue", queueAny)
	}
	slogger().Info("gpu: adopted shared device", "adapter", provider.AdapterInfo().Name)
	return Adopt(device, queue, provider.AdapterInfo())
}

// External reports whether the device is borrowed.
func (d *Device) External() bool { return d.external }

// Close waits for the device to go idle and destroys owned resources.
func (d *Device) Close() error {
	if d == nil || d.Device == nil {
		return nil
	}
	err := d.Device.WaitIdle()
	if !d.external {
		d.Device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.Device, d.Queue, d.instance = nil, nil, nil
	if err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	return nil
}

func createInstance(backend gputypes.Backend) (hal.Instance, error) {
	b, ok := hal.GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("gpu: backend %v not registered", backend)
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return instance, nil
}

func indexOfType(adapters []hal.ExposedAdapter, t gputypes.DeviceType) int {
	for i := range adapters {
		if adapters[i].Info.DeviceType == t {
			return i
		}
	}
	return -1
}

func adapterType(t gputypes.DeviceType) gpucontext.AdapterType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		return gpucontext.AdapterTypeSoftware
	default:
		return gpucontext.AdapterTypeUnknown
	}
}
