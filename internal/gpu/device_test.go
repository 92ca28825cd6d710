package gpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rtdenoise/internal/gputest"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    gputypes.Backend
		wantErr bool
	}{
		{"vulkan", gputypes.BackendVulkan, false},
		{" Vulkan ", gputypes.BackendVulkan, false},
		{"software", gputypes.BackendEmpty, false},
		{"noop", gputypes.BackendEmpty, false},
		{"glide", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenNoop(t *testing.T) {
	d, err := Open(gputypes.BackendEmpty)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if d.Device == nil || d.Queue == nil {
		t.Fatal("Open returned nil device or queue")
	}
	if d.External() {
		t.Error("opened device reported as external")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if d.Device != nil {
		t.Error("Close did not clear device")
	}
	// Closing twice is harmless.
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestListAdaptersNoop(t *testing.T) {
	adapters, err := ListAdapters(gputypes.BackendEmpty)
	if err != nil {
		t.Fatalf("ListAdapters: %v", err)
	}
	if len(adapters) == 0 {
		t.Fatal("expected at least one adapter")
	}
}

type halProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *halProvider) Device() gpucontext.Device             { return nil }
func (p *halProvider) Queue() gpucontext.Queue               { return nil }
func (p *halProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }
func (p *halProvider) Adapter() gpucontext.Adapter           { return nil }
func (p *halProvider) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Name: "shared", Type: gpucontext.AdapterTypeSoftware}
}
func (p *halProvider) HalDevice() any { return p.device }
func (p *halProvider) HalQueue() any  { return p.queue }

type directProvider struct{ halProvider }

func (p *directProvider) Device() gpucontext.Device { return p.device }
func (p *directProvider) Queue() gpucontext.Queue   { return p.queue }

func TestFromProvider(t *testing.T) {
	device, queue := gputest.NoopDevice(t)

	d, err := FromProvider(&halProvider{device: device, queue: queue})
	if err != nil {
		t.Fatalf("FromProvider: %v", err)
	}
	if !d.External() {
		t.Error("provider device must be external")
	}
	if d.Info.Name != "shared" {
		t.Errorf("Info.Name = %q, want shared", d.Info.Name)
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestFromProvider_Errors(t *testing.T) {
	if _, err := FromProvider(nil); err == nil {
		t.Error("nil provider accepted")
	}

	// Device() returns nil and there are no HAL accessors.
	p := struct{ gpucontext.DeviceProvider }{&directProvider{}}
	if _, err := FromProvider(p); err == nil {
		t.Error("provider without HAL device accepted")
	}
}

func TestAdopt_RequiresDeviceAndQueue(t *testing.T) {
	if _, err := Adopt(nil, nil, gpucontext.AdapterInfo{}); err == nil {
		t.Error("Adopt(nil, nil) succeeded")
	}
}

func TestOpen_UnregisteredBackend(t *testing.T) {
	_, err := Open(gputypes.Backend(250))
	if err == nil {
		t.Fatal("Open of unknown backend succeeded")
	}
	if errors.Is(err, ErrNoAdapter) {
		t.Error("unregistered backend should not report ErrNoAdapter")
	}
}
