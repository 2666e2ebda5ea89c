package chipset

import (
	"fmt"
	"testing"
)

func TestModelLifecycle(t *testing.T) {
	m := NewModel(nil, nil)

	var order []string
	if err := m.OnReady(func() error {
		order = append(order, "ready")
		return nil
	}); err != nil {
		t.Fatalf("OnReady() error = %v", err)
	}

	mkInfo := func(name string) *DeviceInfo {
		return &DeviceInfo{
			Name: name,
			Init: func(inst *Instance) error {
				order = append(order, "init:"+inst.Name())
				return nil
			},
			Exit: func(inst *Instance) error {
				order = append(order, "exit:"+inst.Name())
				return nil
			},
		}
	}

	if _, err := m.RegisterDeviceKind(mkInfo("dev0")); err != nil {
		t.Fatalf("RegisterDeviceKind(dev0) error = %v", err)
	}
	if _, err := m.RegisterDeviceKind(mkInfo("dev1")); err != nil {
		t.Fatalf("RegisterDeviceKind(dev1) error = %v", err)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []string{"ready", "init:dev0", "init:dev1", "exit:dev0", "exit:dev1"}
	if len(order) != len(want) {
		t.Fatalf("lifecycle order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("lifecycle order = %v, want %v", order, want)
		}
	}
}

func TestModelReadyIsOneShot(t *testing.T) {
	m := NewModel(nil, nil)

	fired := 0
	if err := m.OnReady(func() error { fired++; return nil }); err != nil {
		t.Fatalf("OnReady() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if fired != 1 {
		t.Fatalf("ready hook fired %d times, want 1", fired)
	}

	if err := m.OnReady(func() error { return nil }); err == nil {
		t.Fatal("OnReady() after start succeeded, want error")
	}
	if err := m.Start(); err == nil {
		t.Fatal("second Start() succeeded, want error")
	}
}

func TestModelReadyHookError(t *testing.T) {
	m := NewModel(nil, nil)

	if err := m.OnReady(func() error { return fmt.Errorf("registration failed") }); err != nil {
		t.Fatalf("OnReady() error = %v", err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("Start() with failing ready hook succeeded, want error")
	}
}

func TestModelKindRegistration(t *testing.T) {
	m := NewModel(nil, nil)

	if _, err := m.RegisterDeviceKind(nil); err == nil {
		t.Fatal("RegisterDeviceKind(nil) succeeded, want error")
	}
	if _, err := m.RegisterDeviceKind(&DeviceInfo{}); err == nil {
		t.Fatal("RegisterDeviceKind with empty name succeeded, want error")
	}

	if _, err := m.RegisterDeviceKind(&DeviceInfo{Name: "dev0"}); err != nil {
		t.Fatalf("RegisterDeviceKind(dev0) error = %v", err)
	}
	if _, err := m.RegisterDeviceKind(&DeviceInfo{Name: "dev0"}); err == nil {
		t.Fatal("duplicate RegisterDeviceKind(dev0) succeeded, want error")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.RegisterDeviceKind(&DeviceInfo{Name: "late"}); err == nil {
		t.Fatal("RegisterDeviceKind after start succeeded, want error")
	}
}

func TestModelInstanceContext(t *testing.T) {
	m := NewModel(nil, nil)

	type devCtx struct{ tag string }
	ctx := &devCtx{tag: "hello"}

	info := &DeviceInfo{
		Name:    "dev0",
		Context: ctx,
		Init: func(inst *Instance) error {
			got, ok := inst.Context().(*devCtx)
			if !ok || got != ctx {
				return fmt.Errorf("instance context = %v, want %v", inst.Context(), ctx)
			}
			inst.SetState("state0")
			return nil
		},
	}
	if _, err := m.RegisterDeviceKind(info); err != nil {
		t.Fatalf("RegisterDeviceKind() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	inst, ok := m.Instance("dev0")
	if !ok {
		t.Fatal("Instance(dev0) not found after start")
	}
	if state, ok := inst.State().(string); !ok || state != "state0" {
		t.Fatalf("instance state = %v, want state0", inst.State())
	}
}

func TestKindHandleRelease(t *testing.T) {
	m := NewModel(nil, nil)

	h, err := m.RegisterDeviceKind(&DeviceInfo{Name: "dev0"})
	if err != nil {
		t.Fatalf("RegisterDeviceKind() error = %v", err)
	}
	if got := len(m.Devices()); got != 1 {
		t.Fatalf("Devices() length = %d, want 1", got)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if got := len(m.Devices()); got != 0 {
		t.Fatalf("Devices() length after release = %d, want 0", got)
	}
	if err := h.Release(); err == nil {
		t.Fatal("second Release() succeeded, want error")
	}

	// A released kind is not instantiated.
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, ok := m.Instance("dev0"); ok {
		t.Fatal("released kind was instantiated")
	}
}

func TestModelStopOrdering(t *testing.T) {
	m := NewModel(nil, nil)

	if err := m.Stop(); err == nil {
		t.Fatal("Stop() before Start() succeeded, want error")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := m.Stop(); err == nil {
		t.Fatal("second Stop() succeeded, want error")
	}
}
