// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"sort"

	"github.com/tombee/conductor-flow/internal/flowdoc"
)

// graph is a directed graph over step ids built from depends_on edges.
type graph struct {
	steps map[string]*flowdoc.Step
	order []string // original document order, used to break generation ties deterministically
	edges map[string][]string
}

func buildGraph(steps []flowdoc.Step) *graph {
	g := &graph{
		steps: make(map[string]*flowdoc.Step, len(steps)),
		order: make([]string, 0, len(steps)),
		edges: make(map[string][]string, len(steps)),
	}
	for i := range steps {
		s := &steps[i]
		g.steps[s.ID] = s
		g.order = append(g.order, s.ID)
	}
	for _, s := range steps {
		g.edges[s.ID] = append([]string(nil), s.DependsOn...)
	}
	return g
}

// generations computes topological generations via Kahn's algorithm: each
// generation is the set of nodes whose dependencies are all satisfied by
// prior generations. Nodes within a generation are sorted by their original
// document order for determinism.
//
// On a cycle, returns an error naming the step ids still unresolved.
func (g *graph) generations() ([][]string, error) {
	indegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))
	for id := range g.steps {
		indegree[id] = 0
	}
	for id, deps := range g.edges {
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}

	remaining := len(g.steps)
	var gens [][]string

	frontier := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return position[frontier[i]] < position[frontier[j]] })
		gens = append(gens, frontier)
		remaining -= len(frontier)

		next := make([]string, 0)
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if remaining > 0 {
		cycle := findCycle(g, indegree)
		return nil, fmt.Errorf("scheduler: dependency cycle detected: %v", cycle)
	}

	return gens, nil
}

// findCycle walks the subgraph of nodes that never reached indegree 0,
// returning one concrete cycle (as an ordered list of step ids) for the
// error message.
func findCycle(g *graph, indegree map[string]int) []string {
	stuck := make(map[string]bool)
	for id, deg := range indegree {
		if deg > 0 {
			stuck[id] = true
		}
	}

	visited := make(map[string]bool)
	var path []string
	onPath := make(map[string]int)

	var visit func(id string) []string
	visit = func(id string) []string {
		if idx, ok := onPath[id]; ok {
			return append(append([]string(nil), path[idx:]...), id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onPath[id] = len(path)
		path = append(path, id)
		for _, dep := range g.edges[id] {
			if !stuck[dep] {
				continue
			}
			if cyc := visit(dep); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		delete(onPath, id)
		return nil
	}

	ids := make([]string, 0, len(stuck))
	for id := range stuck {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if cyc := visit(id); cyc != nil {
			return cyc
		}
	}
	return ids // fallback: shouldn't happen if remaining > 0
}
