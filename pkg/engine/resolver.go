package engine

import (
	"fmt"
	"strings"
)

// Traversal colors for cycle detection.
const (
	colorUnvisited = iota
	colorInProgress
	colorDone
)

// graphResolver holds the working state of one resolution pass.
// A fresh resolver is built per call; nothing survives between resolutions.
type graphResolver struct {
	// modules maps module names to their descriptors
	modules map[string]*ModuleDescriptor

	// names preserves descriptor input order for deterministic traversal
	names []string

	// deps maps a module to its validated dependency edges
	deps map[string][]string

	// missing maps a module to declared dependencies absent from the set
	missing map[string][]string

	// color tracks traversal state per module
	color map[string]int

	// path is the current traversal stack
	path []string

	// cycles collects every distinct cycle found
	cycles [][]string

	// onCycle marks modules that participate in some cycle
	onCycle map[string]bool

	// order accumulates the topological order by post-order append
	order []string
}

// ResolveLoadOrder builds the dependency graph for the given descriptors,
// detects cycles, and computes a topological load order plus per-module depth.
// It is a pure function of its input: no I/O, no blocking, and it never
// returns an error. Cycles and missing dependencies are surfaced as data on
// the result. Descriptors with an empty or duplicate name are ignored beyond
// the first occurrence.
func ResolveLoadOrder(descriptors []ModuleDescriptor) *LoadOrderResult {
	r := &graphResolver{
		modules: make(map[string]*ModuleDescriptor, len(descriptors)),
		names:   make([]string, 0, len(descriptors)),
		deps:    make(map[string][]string, len(descriptors)),
		missing: make(map[string][]string),
		color:   make(map[string]int, len(descriptors)),
		cycles:  make([][]string, 0),
		onCycle: make(map[string]bool),
		order:   make([]string, 0, len(descriptors)),
	}

	r.initialize(descriptors)
	r.detectAndOrder()

	return &LoadOrderResult{
		Order:   r.order,
		Depth:   r.computeDepths(),
		Cycles:  r.cycles,
		Missing: r.missing,
	}
}

// initialize indexes descriptors and validates dependency edges.
// Edges to names absent from the set are recorded as missing and skipped
// during traversal; they are never treated as cycles.
func (r *graphResolver) initialize(descriptors []ModuleDescriptor) {
	for i := range descriptors {
		desc := &descriptors[i]
		if desc.Name == "" {
			continue
		}
		if _, exists := r.modules[desc.Name]; exists {
			continue
		}
		r.modules[desc.Name] = desc
		r.names = append(r.names, desc.Name)
	}

	for _, name := range r.names {
		desc := r.modules[name]
		edges := make([]string, 0, len(desc.Dependencies))
		for _, dep := range desc.Dependencies {
			if _, exists := r.modules[dep]; !exists {
				r.missing[name] = append(r.missing[name], dep)
				continue
			}
			edges = append(edges, dep)
		}
		r.deps[name] = edges
	}
}

// detectAndOrder runs the three-color depth-first traversal. Reaching a
// module already marked in-progress closes a cycle: the closing edge plus the
// portion of the traversal stack from that module onward is recorded, and all
// of its members are excluded from the topological order. Modules are
// appended to the order post-order, so every dependency precedes its
// dependents.
func (r *graphResolver) detectAndOrder() {
	for _, name := range r.names {
		if r.color[name] == colorUnvisited {
			r.visit(name)
		}
	}
}

// visit traverses one module's dependency subtree.
func (r *graphResolver) visit(name string) {
	r.color[name] = colorInProgress
	r.path = append(r.path, name)

	for _, dep := range r.deps[name] {
		switch r.color[dep] {
		case colorUnvisited:
			r.visit(dep)
		case colorInProgress:
			r.recordCycle(dep)
		}
	}

	r.path = r.path[:len(r.path)-1]
	r.color[name] = colorDone

	if !r.onCycle[name] {
		r.order = append(r.order, name)
	}
}

// recordCycle captures the cycle closed by an edge back to closing, which is
// still on the traversal stack.
func (r *graphResolver) recordCycle(closing string) {
	start := -1
	for i, id := range r.path {
		if id == closing {
			start = i
			break
		}
	}
	if start < 0 {
		return
	}

	cycle := make([]string, len(r.path)-start)
	copy(cycle, r.path[start:])
	r.cycles = append(r.cycles, cycle)
	for _, id := range cycle {
		r.onCycle[id] = true
	}
}

// computeDepths assigns each module the length of its longest dependency
// chain. The order slice is already topological, so each dependency's depth
// is final when consumed. Modules on a cycle are reported with depth 0 and
// contribute nothing to their dependents.
func (r *graphResolver) computeDepths() map[string]int {
	depth := make(map[string]int, len(r.names))
	for _, name := range r.names {
		depth[name] = 0
	}

	for _, name := range r.order {
		max := -1
		for _, dep := range r.deps[name] {
			if r.onCycle[dep] {
				continue
			}
			if d := depth[dep]; d > max {
				max = d
			}
		}
		depth[name] = max + 1
	}

	return depth
}

// OK reports whether the resolution found no cycles and no missing
// dependencies.
func (res *LoadOrderResult) OK() bool {
	return len(res.Cycles) == 0 && len(res.Missing) == 0
}

// Err materializes the resolution problems as a classified error for callers
// that want abort semantics instead of inspecting the data. Returns nil when
// the resolution is clean. Cycles take precedence over missing dependencies.
func (res *LoadOrderResult) Err() error {
	if len(res.Cycles) > 0 {
		return NewPermanentError(
			fmt.Sprintf("dependency cycle detected: %s", formatCycle(res.Cycles[0])),
			nil,
		).WithCode(ErrCodeCycleDetected).WithDetail("cycles", res.Cycles)
	}
	if len(res.Missing) > 0 {
		for name, deps := range res.Missing {
			return NewPermanentError(
				fmt.Sprintf("module %s depends on unknown module %s", name, strings.Join(deps, ", ")),
				nil,
			).WithCode(ErrCodeMissingDependency).WithDetail("missing", res.Missing)
		}
	}
	return nil
}

// GroupByDepth partitions the ordered modules into depth levels. Modules at
// the same level share no dependency chain between them and are safe to load
// concurrently; the levels seed default parallel groupings.
func (res *LoadOrderResult) GroupByDepth() [][]string {
	if len(res.Order) == 0 {
		return nil
	}

	maxDepth := 0
	for _, name := range res.Order {
		if d := res.Depth[name]; d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, name := range res.Order {
		d := res.Depth[name]
		levels[d] = append(levels[d], name)
	}
	return levels
}

// ToDOT renders the resolved graph in Graphviz DOT format. Modules are
// clustered by depth; cycle members are highlighted and missing dependencies
// drawn as dashed edges to placeholder nodes.
func (res *LoadOrderResult) ToDOT(descriptors []ModuleDescriptor) string {
	var sb strings.Builder

	sb.WriteString("digraph LoadOrder {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range res.GroupByDepth() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_depth_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"depth %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("    %q;\n", name))
		}
		sb.WriteString("  }\n\n")
	}

	cyclic := make(map[string]bool)
	for _, cycle := range res.Cycles {
		for _, name := range cycle {
			cyclic[name] = true
		}
	}
	for name := range cyclic {
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", name))
	}

	for _, desc := range descriptors {
		for _, dep := range desc.Dependencies {
			if contains(res.Missing[desc.Name], dep) {
				sb.WriteString(fmt.Sprintf("  %q [style=dashed];\n", dep))
				sb.WriteString(fmt.Sprintf("  %q -> %q [style=dashed, color=red];\n", desc.Name, dep))
				continue
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", desc.Name, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(append(append([]string{}, cycle...), cycle[0]), " -> ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
