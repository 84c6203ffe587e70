package validation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/forkline/automation/pkg/schema"
)

// validateGraph checks the step graph for cycles and unreachable steps.
// Edges are the union of next_steps, condition true/false routes, and
// parallel branch fan-out. Runs only after semantic validation, so every
// referenced ID is known to exist.
func validateGraph(def *schema.WorkflowDefinition) *Result {
	result := &Result{}

	edges := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		edges[step.ID] = stepSuccessors(step)
	}

	if cycle := findCycle(def.Steps, edges); len(cycle) > 0 {
		result.AddError("steps", fmt.Sprintf("step graph contains a cycle: %s", formatCycle(cycle)))
		return result
	}

	if len(def.Steps) > 0 {
		reachable := make(map[string]bool, len(def.Steps))
		walk(def.Steps[0].ID, edges, reachable)
		var orphans []string
		for _, s := range def.Steps {
			if !reachable[s.ID] {
				orphans = append(orphans, s.ID)
			}
		}
		sort.Strings(orphans)
		for _, id := range orphans {
			result.AddError("steps", fmt.Sprintf("step %q is unreachable from the entry step", id))
		}
	}

	return result
}

// stepSuccessors returns every step ID the given step can hand off to.
// Config decode errors are ignored here; semantic validation already
// reported them.
func stepSuccessors(step *schema.WorkflowStep) []string {
	succ := append([]string(nil), step.NextSteps...)
	switch step.Type {
	case schema.StepCondition:
		var cfg schema.ConditionStepConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			succ = append(succ, cfg.TrueSteps...)
			succ = append(succ, cfg.FalseSteps...)
		}
	case schema.StepParallel:
		var cfg schema.ParallelStepConfig
		if json.Unmarshal(step.Config, &cfg) == nil {
			succ = append(succ, cfg.Steps...)
		}
	}
	return succ
}

// findCycle runs iterative DFS with the white/grey/black coloring scheme
// and returns the first back-edge cycle found, or nil.
func findCycle(steps []schema.WorkflowStep, edges map[string][]string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	parent := make(map[string]string, len(steps))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		for _, next := range edges[id] {
			switch color[next] {
			case white:
				parent[next] = id
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case grey:
				// Back edge: unwind the parent chain from id to next.
				cycle := []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				reverse(cycle)
				return cycle
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if cycle := visit(s.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func walk(id string, edges map[string][]string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	for _, next := range edges[id] {
		walk(next, edges, seen)
	}
}

func formatCycle(cycle []string) string {
	out := ""
	for _, id := range cycle {
		if out != "" {
			out += " -> "
		}
		out += id
	}
	return out + " -> " + cycle[0]
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
