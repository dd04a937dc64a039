// Package stepgraph holds the static dependency graph of pipeline steps.
package stepgraph

import (
	"fmt"

	"github.com/stankur/pipeline-processor/internal/domain"
)

// Definition declares one step and the steps it depends on.
type Definition struct {
	Name      string
	DependsOn []string
}

// Graph is immutable once built; order and invalidation closures are
// computed in New and reused.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string
	downstream map[string][]string
}

// New validates the definitions and computes a topological order that keeps
// declaration order among independent steps.
func New(defs ...Definition) (*Graph, error) {
	g := &Graph{
		index:      map[string]int{},
		deps:       map[string][]string{},
		downstream: map[string][]string{},
	}

	declared := map[string]int{}
	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := declared[def.Name]; dup {
			return nil, fmt.Errorf("step %s declared twice", def.Name)
		}
		declared[def.Name] = i
	}
	for _, def := range defs {
		for _, dep := range def.DependsOn {
			if _, ok := declared[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on undeclared step %s", def.Name, dep)
			}
		}
		g.deps[def.Name] = append([]string(nil), def.DependsOn...)
	}

	placed := map[string]bool{}
	for len(g.order) < len(defs) {
		progressed := false
		for _, def := range defs {
			if placed[def.Name] || !allPlaced(def.DependsOn, placed) {
				continue
			}
			placed[def.Name] = true
			g.index[def.Name] = len(g.order)
			g.order = append(g.order, def.Name)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("step graph has a cycle")
		}
	}

	dependents := map[string][]string{}
	for _, name := range g.order {
		for _, dep := range g.deps[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	for _, name := range g.order {
		g.downstream[name] = g.closure(name, dependents)
	}

	return g, nil
}

// MustNew is New for package-level graphs.
func MustNew(defs ...Definition) *Graph {
	g, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return g
}

// Order returns the step names in dependency order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Resolve returns an UnknownStepError for undeclared names.
func (g *Graph) Resolve(name string) error {
	if _, ok := g.index[name]; ok {
		return nil
	}
	return &domain.UnknownStepError{Step: name}
}

// DependsOn returns the direct dependencies of name.
func (g *Graph) DependsOn(name string) []string {
	return append([]string(nil), g.deps[name]...)
}

// Downstream returns name and every step depending on it, directly or
// transitively, in dependency order.
func (g *Graph) Downstream(name string) ([]string, error) {
	if err := g.Resolve(name); err != nil {
		return nil, err
	}
	return append([]string(nil), g.downstream[name]...), nil
}

// Terminal is the last step in dependency order.
func (g *Graph) Terminal() string {
	if len(g.order) == 0 {
		return ""
	}
	return g.order[len(g.order)-1]
}

func (g *Graph) closure(root string, dependents map[string][]string) []string {
	seen := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		for _, next := range dependents[head] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for _, name := range g.order {
		if seen[name] {
			out = append(out, name)
		}
	}
	return out
}

func allPlaced(names []string, placed map[string]bool) bool {
	for _, name := range names {
		if !placed[name] {
			return false
		}
	}
	return true
}

// Default is the fetch → select → enrich → summarize pipeline.
var Default = MustNew(
	Definition{Name: domain.StepFetch},
	Definition{Name: domain.StepSelect, DependsOn: []string{domain.StepFetch}},
	Definition{Name: domain.StepEnrich, DependsOn: []string{domain.StepSelect}},
	Definition{Name: domain.StepSummarize, DependsOn: []string{domain.StepEnrich}},
)
