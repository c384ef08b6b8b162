// Package planner orders entities for import by lookup dependency and
// decides which lookup fields must be deferred to a later update pass.
package planner

import (
	"sort"
	"strings"

	"github.com/dvtools/dvbulk/internal/debug"
	"github.com/dvtools/dvbulk/internal/types"
)

// DeferredField is one (entity, field) pair excluded from the tier pass and
// applied afterwards as a primary-key-plus-field update.
type DeferredField struct {
	Entity string
	Field  string
}

// Tier is one dependency layer. Entities within a tier may be imported in
// parallel; tiers are strictly sequential.
type Tier struct {
	Index    int
	Entities []string
}

// Plan is the full import schedule for a schema.
type Plan struct {
	Tiers          []Tier
	DeferredFields []DeferredField

	deferred map[string]bool // entity|field, lowercase
}

// IsDeferred reports whether the field is excluded from the tier pass.
func (p *Plan) IsDeferred(entity, field string) bool {
	return p.deferred[deferKey(entity, field)]
}

// DeferredForEntity returns the deferred fields of one entity, in plan order.
func (p *Plan) DeferredForEntity(entity string) []DeferredField {
	var out []DeferredField
	for _, df := range p.DeferredFields {
		if strings.EqualFold(df.Entity, entity) {
			out = append(out, df)
		}
	}
	return out
}

func deferKey(entity, field string) string {
	return strings.ToLower(entity) + "|" + strings.ToLower(field)
}

// BuildPlan computes the dependency tiers and deferred fields for a schema.
// Lookups targeting entities outside the schema are treated as external
// references and ignored.
func BuildPlan(schema *types.Schema) *Plan {
	n := len(schema.Entities)
	index := make(map[string]int, n) // lowercase logical name -> node
	for i, e := range schema.Entities {
		index[strings.ToLower(e.LogicalName)] = i
	}

	// deps[a] holds the nodes a's lookups point at
	deps := make([][]int, n)
	selfLoop := make([]bool, n)
	for i, e := range schema.Entities {
		seen := make(map[int]bool)
		for _, f := range e.LookupFields() {
			for _, target := range f.LookupTargets {
				j, ok := index[strings.ToLower(target)]
				if !ok {
					continue // external reference
				}
				if j == i {
					selfLoop[i] = true
				}
				if !seen[j] {
					seen[j] = true
					deps[i] = append(deps[i], j)
				}
			}
		}
	}

	comps := stronglyConnected(n, deps)

	plan := &Plan{deferred: make(map[string]bool)}
	order := topoOrder(comps, deps)
	for tierIdx, comp := range order {
		tier := Tier{Index: tierIdx}
		inComp := make(map[int]bool, len(comp))
		for _, node := range comp {
			inComp[node] = true
		}
		for _, node := range comp {
			e := schema.Entities[node]
			tier.Entities = append(tier.Entities, e.LogicalName)

			// intra-cluster lookups (including self-references) cannot be
			// satisfied at create time and are deferred
			if len(comp) == 1 && !selfLoop[node] {
				continue
			}
			for _, f := range e.LookupFields() {
				for _, target := range f.LookupTargets {
					j, ok := index[strings.ToLower(target)]
					if ok && inComp[j] {
						key := deferKey(e.LogicalName, f.Name)
						if !plan.deferred[key] {
							plan.deferred[key] = true
							plan.DeferredFields = append(plan.DeferredFields, DeferredField{
								Entity: e.LogicalName,
								Field:  f.Name,
							})
							debug.Logf("planner: deferring %s.%s (dependency cluster)\n", e.LogicalName, f.Name)
						}
						break
					}
				}
			}
		}
		plan.Tiers = append(plan.Tiers, tier)
	}
	return plan
}

// stronglyConnected runs Tarjan's algorithm and returns components as node
// lists. Components preserve the input order of their members.
func stronglyConnected(n int, deps [][]int) [][]int {
	const unvisited = -1
	idx := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range idx {
		idx[i] = unvisited
	}

	var (
		counter int
		stack   []int
		comps   [][]int
	)

	var strongconnect func(v int)
	strongconnect = func(v int) {
		idx[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps[v] {
			if idx[w] == unvisited {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && idx[w] < low[v] {
				low[v] = idx[w]
			}
		}

		if low[v] == idx[v] {
			var members []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				members = append(members, w)
				if w == v {
					break
				}
			}
			comps = append(comps, members)
		}
	}

	for v := 0; v < n; v++ {
		if idx[v] == unvisited {
			strongconnect(v)
		}
	}

	// order members of each component by input index for stable tiers
	for _, members := range comps {
		sort.Ints(members)
	}
	return comps
}

// topoOrder arranges components so every dependency precedes its dependents.
// Among simultaneously ready components, the one containing the earliest
// input entity goes first.
func topoOrder(comps [][]int, deps [][]int) [][]int {
	nc := len(comps)
	compOf := make(map[int]int)
	for ci, members := range comps {
		for _, v := range members {
			compOf[v] = ci
		}
	}

	// condensation: edges dependent-comp -> dependency-comp
	pending := make([]map[int]bool, nc) // unresolved dependencies per comp
	dependents := make([][]int, nc)     // dependency-comp -> dependent comps
	for ci := range comps {
		pending[ci] = make(map[int]bool)
	}
	for v, targets := range deps {
		for _, w := range targets {
			cv, cw := compOf[v], compOf[w]
			if cv == cw {
				continue
			}
			if !pending[cv][cw] {
				pending[cv][cw] = true
				dependents[cw] = append(dependents[cw], cv)
			}
		}
	}

	minNode := func(ci int) int { return comps[ci][0] }

	var ready []int
	for ci := 0; ci < nc; ci++ {
		if len(pending[ci]) == 0 {
			ready = append(ready, ci)
		}
	}

	var order [][]int
	for len(ready) > 0 {
		// pick the ready component with the earliest input entity
		best := 0
		for i := 1; i < len(ready); i++ {
			if minNode(ready[i]) < minNode(ready[best]) {
				best = i
			}
		}
		ci := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, comps[ci])

		for _, dep := range dependents[ci] {
			delete(pending[dep], ci)
			if len(pending[dep]) == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}
