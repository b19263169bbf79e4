package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestResolveLoadOrder_EmptyDescriptors(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{})

	if !result.OK() {
		t.Error("Expected clean resolution for empty input")
	}
	if len(result.Order) != 0 {
		t.Errorf("Expected empty order, got %v", result.Order)
	}
	if len(result.Cycles) != 0 {
		t.Errorf("Expected no cycles, got %v", result.Cycles)
	}
	if len(result.Missing) != 0 {
		t.Errorf("Expected no missing dependencies, got %v", result.Missing)
	}
	if err := result.Err(); err != nil {
		t.Errorf("Expected nil error, got: %v", err)
	}
}

func TestResolveLoadOrder_SingleModule(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "core"},
	})

	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}
	if len(result.Order) != 1 || result.Order[0] != "core" {
		t.Errorf("Expected order [core], got %v", result.Order)
	}
	if result.Depth["core"] != 0 {
		t.Errorf("Expected depth 0 for core, got %d", result.Depth["core"])
	}
}

func TestResolveLoadOrder_LinearChain(t *testing.T) {
	// core <- storage <- api
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "api", Dependencies: []string{"storage"}},
		{Name: "storage", Dependencies: []string{"core"}},
		{Name: "core"},
	})

	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}

	expected := []string{"core", "storage", "api"}
	if !reflect.DeepEqual(result.Order, expected) {
		t.Errorf("Expected order %v, got %v", expected, result.Order)
	}

	if result.Depth["core"] != 0 {
		t.Errorf("core should be at depth 0, got %d", result.Depth["core"])
	}
	if result.Depth["storage"] != 1 {
		t.Errorf("storage should be at depth 1, got %d", result.Depth["storage"])
	}
	if result.Depth["api"] != 2 {
		t.Errorf("api should be at depth 2, got %d", result.Depth["api"])
	}
}

func TestResolveLoadOrder_SharedDependency(t *testing.T) {
	// A has no deps; B and C both depend on A.
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "A"},
		{Name: "B", Dependencies: []string{"A"}},
		{Name: "C", Dependencies: []string{"A"}},
	})

	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}

	if result.Order[0] != "A" {
		t.Errorf("A must load first, got order %v", result.Order)
	}
	if result.Depth["A"] != 0 {
		t.Errorf("A should be at depth 0, got %d", result.Depth["A"])
	}
	if result.Depth["B"] != 1 {
		t.Errorf("B should be at depth 1, got %d", result.Depth["B"])
	}
	if result.Depth["C"] != 1 {
		t.Errorf("C should be at depth 1, got %d", result.Depth["C"])
	}
}

func TestResolveLoadOrder_DiamondDependencies(t *testing.T) {
	// base <- left,right <- top
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "top", Dependencies: []string{"left", "right"}},
		{Name: "left", Dependencies: []string{"base"}},
		{Name: "right", Dependencies: []string{"base"}},
		{Name: "base"},
	})

	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}

	pos := make(map[string]int, len(result.Order))
	for i, name := range result.Order {
		pos[name] = i
	}
	if pos["base"] > pos["left"] || pos["base"] > pos["right"] {
		t.Errorf("base must precede left and right, got order %v", result.Order)
	}
	if pos["left"] > pos["top"] || pos["right"] > pos["top"] {
		t.Errorf("left and right must precede top, got order %v", result.Order)
	}

	if result.Depth["top"] != 2 {
		t.Errorf("top should be at depth 2, got %d", result.Depth["top"])
	}
}

func TestResolveLoadOrder_TwoModuleCycle(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "alpha", Dependencies: []string{"beta"}},
		{Name: "beta", Dependencies: []string{"alpha"}},
	})

	if result.OK() {
		t.Fatal("Expected cycle to be reported")
	}
	if len(result.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d: %v", len(result.Cycles), result.Cycles)
	}
	if len(result.Cycles[0]) != 2 {
		t.Errorf("Expected cycle of length 2, got %v", result.Cycles[0])
	}

	// Cycle members are excluded from the order.
	if len(result.Order) != 0 {
		t.Errorf("Expected empty order, got %v", result.Order)
	}

	err := result.Err()
	if err == nil {
		t.Fatal("Expected error for cyclic graph, got nil")
	}
	if !IsPermanent(err) {
		t.Error("Expected permanent error classification")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeCycleDetected {
		t.Errorf("Expected code %s, got %v", ErrCodeCycleDetected, err)
	}
}

func TestResolveLoadOrder_SelfCycle(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "selfish", Dependencies: []string{"selfish"}},
	})

	if len(result.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %v", result.Cycles)
	}
	if len(result.Cycles[0]) != 1 || result.Cycles[0][0] != "selfish" {
		t.Errorf("Expected self-cycle [selfish], got %v", result.Cycles[0])
	}
	if len(result.Order) != 0 {
		t.Errorf("Self-cyclic module must not appear in order, got %v", result.Order)
	}
}

func TestResolveLoadOrder_CycleDoesNotPoisonRest(t *testing.T) {
	// alpha and beta cycle; standalone is independent and must still resolve.
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "alpha", Dependencies: []string{"beta"}},
		{Name: "beta", Dependencies: []string{"alpha"}},
		{Name: "standalone"},
	})

	if len(result.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %v", result.Cycles)
	}
	if len(result.Order) != 1 || result.Order[0] != "standalone" {
		t.Errorf("Expected order [standalone], got %v", result.Order)
	}
	if result.Depth["standalone"] != 0 {
		t.Errorf("standalone should be at depth 0, got %d", result.Depth["standalone"])
	}
}

func TestResolveLoadOrder_DependencyOnCyclicModule(t *testing.T) {
	// outside depends only on a cycle member: the cyclic chain contributes
	// nothing to its depth and outside stays loadable.
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "alpha", Dependencies: []string{"beta"}},
		{Name: "beta", Dependencies: []string{"alpha"}},
		{Name: "outside", Dependencies: []string{"alpha"}},
	})

	if len(result.Order) != 1 || result.Order[0] != "outside" {
		t.Errorf("Expected order [outside], got %v", result.Order)
	}
	if result.Depth["outside"] != 0 {
		t.Errorf("outside should be at depth 0, got %d", result.Depth["outside"])
	}
	if result.Depth["alpha"] != 0 || result.Depth["beta"] != 0 {
		t.Errorf("Cycle members report depth 0, got alpha=%d beta=%d",
			result.Depth["alpha"], result.Depth["beta"])
	}
}

func TestResolveLoadOrder_MissingDependency(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "app", Dependencies: []string{"ghost"}},
	})

	if result.OK() {
		t.Fatal("Expected missing dependency to be reported")
	}
	if len(result.Cycles) != 0 {
		t.Errorf("Missing dependency must not be reported as a cycle, got %v", result.Cycles)
	}
	if !reflect.DeepEqual(result.Missing["app"], []string{"ghost"}) {
		t.Errorf("Expected missing {app: [ghost]}, got %v", result.Missing)
	}

	// The module itself remains loadable: the broken edge is simply absent.
	if len(result.Order) != 1 || result.Order[0] != "app" {
		t.Errorf("Expected order [app], got %v", result.Order)
	}
	if result.Depth["app"] != 0 {
		t.Errorf("app should be at depth 0, got %d", result.Depth["app"])
	}

	err := result.Err()
	if err == nil {
		t.Fatal("Expected error for missing dependency, got nil")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeMissingDependency {
		t.Errorf("Expected code %s, got %v", ErrCodeMissingDependency, err)
	}
}

func TestResolveLoadOrder_CycleTakesPrecedenceOverMissing(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "alpha", Dependencies: []string{"beta", "ghost"}},
		{Name: "beta", Dependencies: []string{"alpha"}},
	})

	err := result.Err()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeCycleDetected {
		t.Errorf("Expected cycle error to take precedence, got %v", err)
	}
}

func TestResolveLoadOrder_DuplicateNamesFirstWins(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "dup", Version: "1.0.0"},
		{Name: "dup", Version: "2.0.0", Dependencies: []string{"ghost"}},
	})

	// The second descriptor is ignored entirely, so its broken edge never
	// registers.
	if !result.OK() {
		t.Fatalf("Expected clean resolution, got cycles=%v missing=%v", result.Cycles, result.Missing)
	}
	if len(result.Order) != 1 {
		t.Errorf("Expected 1 module in order, got %v", result.Order)
	}
}

func TestResolveLoadOrder_Deterministic(t *testing.T) {
	descriptors := []ModuleDescriptor{
		{Name: "web", Dependencies: []string{"core", "auth"}},
		{Name: "auth", Dependencies: []string{"core"}},
		{Name: "core"},
		{Name: "batch", Dependencies: []string{"core"}},
	}

	first := ResolveLoadOrder(descriptors)
	for i := 0; i < 10; i++ {
		again := ResolveLoadOrder(descriptors)
		if !reflect.DeepEqual(first.Order, again.Order) {
			t.Fatalf("Resolution not deterministic: %v vs %v", first.Order, again.Order)
		}
	}
}

func TestLoadOrderResult_GroupByDepth(t *testing.T) {
	result := ResolveLoadOrder([]ModuleDescriptor{
		{Name: "top", Dependencies: []string{"left", "right"}},
		{Name: "left", Dependencies: []string{"base"}},
		{Name: "right", Dependencies: []string{"base"}},
		{Name: "base"},
	})

	levels := result.GroupByDepth()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 depth levels, got %d: %v", len(levels), levels)
	}
	if !reflect.DeepEqual(levels[0], []string{"base"}) {
		t.Errorf("Expected level 0 [base], got %v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected 2 modules at level 1, got %v", levels[1])
	}
	if !reflect.DeepEqual(levels[2], []string{"top"}) {
		t.Errorf("Expected level 2 [top], got %v", levels[2])
	}
}

func TestLoadOrderResult_ToDOT(t *testing.T) {
	descriptors := []ModuleDescriptor{
		{Name: "app", Dependencies: []string{"lib", "ghost"}},
		{Name: "lib"},
	}
	result := ResolveLoadOrder(descriptors)

	dot := result.ToDOT(descriptors)

	if !strings.Contains(dot, "digraph LoadOrder") {
		t.Error("DOT output missing digraph declaration")
	}
	if !strings.Contains(dot, `"app"`) || !strings.Contains(dot, `"lib"`) {
		t.Error("DOT output missing expected nodes")
	}
	if !strings.Contains(dot, `"app" -> "lib"`) {
		t.Error("DOT output missing dependency edge")
	}
	if !strings.Contains(dot, "style=dashed, color=red") {
		t.Error("DOT output missing dashed missing-dependency edge")
	}
}
