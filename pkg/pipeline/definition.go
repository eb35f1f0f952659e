package pipeline

import (
	"fmt"
	"sort"
)

// Definition is an immutable, validated pipeline. All accessors return
// copies; a Definition is safe to share across goroutines.
type Definition struct {
	name          string
	version       string
	description   string
	steps         []Step
	index         map[string]int
	producers     map[string]int
	resultBinding string
	levels        [][]int
}

// Name returns the pipeline name.
func (d *Definition) Name() string { return d.name }

// Version returns the pipeline version.
func (d *Definition) Version() string { return d.version }

// Description returns the human-readable description.
func (d *Definition) Description() string { return d.description }

// Ref returns "name@version".
func (d *Definition) Ref() string { return fmt.Sprintf("%s@%s", d.name, d.version) }

// Len returns the number of steps.
func (d *Definition) Len() int { return len(d.steps) }

// ResultBinding returns the binding reported as the final output.
func (d *Definition) ResultBinding() string { return d.resultBinding }

// Steps returns copies of the steps in definition order.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	for i, s := range d.steps {
		out[i] = s.Clone()
	}
	return out
}

// Step returns a copy of the named step.
func (d *Definition) Step(name string) (Step, bool) {
	i, ok := d.index[name]
	if !ok {
		return Step{}, false
	}
	return d.steps[i].Clone(), true
}

// Producer returns the name of the step that writes binding.
func (d *Definition) Producer(binding string) (string, bool) {
	i, ok := d.producers[binding]
	if !ok {
		return "", false
	}
	return d.steps[i].Name, true
}

// Dependencies returns the names of the steps whose outputs the named step
// reads, in definition order, without duplicates.
func (d *Definition) Dependencies(name string) []string {
	i, ok := d.index[name]
	if !ok {
		return nil
	}
	return d.stepNames(d.dependencyIndexes(i))
}

// Levels returns the steps grouped into topological layers. Steps in the
// same layer have no data dependency on each other; every dependency of a
// step lies in an earlier layer. Within a layer steps keep definition
// order.
func (d *Definition) Levels() [][]Step {
	out := make([][]Step, len(d.levels))
	for l, idxs := range d.levels {
		out[l] = make([]Step, len(idxs))
		for j, i := range idxs {
			out[l][j] = d.steps[i].Clone()
		}
	}
	return out
}

func (d *Definition) dependencyIndexes(i int) []int {
	seen := make(map[int]bool)
	var deps []int
	for _, ref := range d.steps[i].References() {
		p, ok := d.producers[ref]
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		deps = append(deps, p)
	}
	sort.Ints(deps)
	return deps
}

func (d *Definition) computeLevels() [][]int {
	level := make([]int, len(d.steps))
	var levels [][]int
	for i := range d.steps {
		l := 0
		for _, dep := range d.dependencyIndexes(i) {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[i] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], i)
	}
	return levels
}

func (d *Definition) stepNames(idxs []int) []string {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]string, len(idxs))
	for j, i := range idxs {
		out[j] = d.steps[i].Name
	}
	return out
}
