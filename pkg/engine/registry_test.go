package engine

import (
	"testing"
)

func TestModuleRegistry_Register(t *testing.T) {
	reg := NewModuleRegistry()

	err := reg.Register(ModuleDescriptor{Name: "core", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected 1 module, got %d", reg.Len())
	}

	desc, ok := reg.Get("core")
	if !ok {
		t.Fatal("Expected core to be registered")
	}
	if desc.Version != "1.0.0" {
		t.Errorf("Expected version 1.0.0, got %s", desc.Version)
	}
}

func TestModuleRegistry_Register_EmptyName(t *testing.T) {
	reg := NewModuleRegistry()

	err := reg.Register(ModuleDescriptor{})
	if err == nil {
		t.Fatal("Expected error for empty name, got nil")
	}
	if !IsPermanent(err) {
		t.Error("Expected permanent error for empty name")
	}
}

func TestModuleRegistry_Register_Duplicate(t *testing.T) {
	reg := NewModuleRegistry()

	if err := reg.Register(ModuleDescriptor{Name: "core"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	err := reg.Register(ModuleDescriptor{Name: "core"})
	if err == nil {
		t.Fatal("Expected error for duplicate registration, got nil")
	}
	if !IsConflict(err) {
		t.Error("Expected conflict error for duplicate registration")
	}
}

func TestModuleRegistry_MustRegister_PanicsOnDuplicate(t *testing.T) {
	reg := NewModuleRegistry()
	reg.MustRegister(ModuleDescriptor{Name: "core"})

	defer func() {
		if recover() == nil {
			t.Error("Expected MustRegister to panic on duplicate")
		}
	}()
	reg.MustRegister(ModuleDescriptor{Name: "core"})
}

func TestModuleRegistry_Descriptors_Sorted(t *testing.T) {
	reg := NewModuleRegistry()
	reg.MustRegister(ModuleDescriptor{Name: "zeta"})
	reg.MustRegister(ModuleDescriptor{Name: "alpha"})
	reg.MustRegister(ModuleDescriptor{Name: "mid"})

	descs := reg.Descriptors()
	if len(descs) != 3 {
		t.Fatalf("Expected 3 descriptors, got %d", len(descs))
	}
	if descs[0].Name != "alpha" || descs[1].Name != "mid" || descs[2].Name != "zeta" {
		t.Errorf("Expected sorted descriptors, got %v", descs)
	}
}

func TestModuleRegistry_Resolve(t *testing.T) {
	reg := NewModuleRegistry()
	reg.MustRegister(ModuleDescriptor{Name: "api", Dependencies: []string{"core"}})
	reg.MustRegister(ModuleDescriptor{Name: "core"})

	result := reg.Resolve()
	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}
	if result.Order[0] != "core" || result.Order[1] != "api" {
		t.Errorf("Expected [core api], got %v", result.Order)
	}
}
