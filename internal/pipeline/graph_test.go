package pipeline

import (
	"errors"
	"testing"
)

func defFromSteps(steps ...Step) *Definition {
	return &Definition{Steps: steps}
}

func step(id string, deps ...string) Step {
	if deps == nil {
		deps = []string{}
	}
	return Step{ID: id, DependsOn: deps, Handler: "noop"}
}

func TestBuildLevels_Diamond(t *testing.T) {
	def := defFromSteps(
		step("extract"),
		step("clean", "extract"),
		step("enrich", "extract"),
		step("load", "clean", "enrich"),
	)

	levels, err := BuildLevels(def)
	if err != nil {
		t.Fatalf("BuildLevels failed: %v", err)
	}

	want := [][]string{{"extract"}, {"clean", "enrich"}, {"load"}}
	if len(levels) != len(want) {
		t.Fatalf("got %d levels, want %d", len(levels), len(want))
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d has %d steps, want %d", i, len(levels[i]), len(want[i]))
		}
	}

	assertPartition(t, def, levels)
}

func TestBuildLevels_EmptyPipeline(t *testing.T) {
	levels, err := BuildLevels(defFromSteps())
	if err != nil {
		t.Fatalf("BuildLevels failed: %v", err)
	}
	if len(levels) != 0 {
		t.Errorf("got %d levels for empty pipeline, want 0", len(levels))
	}
}

func TestBuildLevels_AllParallelRoots(t *testing.T) {
	def := defFromSteps(step("a"), step("b"), step("c"))
	levels, err := BuildLevels(def)
	if err != nil {
		t.Fatalf("BuildLevels failed: %v", err)
	}
	if len(levels) != 1 || len(levels[0]) != 3 {
		t.Errorf("got levels %v, want one level of 3", levels)
	}
}

func TestBuildLevels_Chain(t *testing.T) {
	def := defFromSteps(step("a"), step("b", "a"), step("c", "b"))
	levels, err := BuildLevels(def)
	if err != nil {
		t.Fatalf("BuildLevels failed: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(levels))
	}
	assertPartition(t, def, levels)
}

func TestBuildLevels_CycleRejectedWithNoPartialResult(t *testing.T) {
	def := defFromSteps(
		step("a", "c"),
		step("b", "a"),
		step("c", "b"),
	)

	levels, err := BuildLevels(def)
	if !errors.Is(err, ErrCyclicGraph) {
		t.Fatalf("got %v, want ErrCyclicGraph", err)
	}
	if levels != nil {
		t.Errorf("got partial result %v alongside cycle error", levels)
	}
}

func TestBuildLevels_CycleWithReachablePrefix(t *testing.T) {
	// The acyclic prefix must not leak out when a later cycle exists.
	def := defFromSteps(
		step("root"),
		step("x", "root", "y"),
		step("y", "x"),
	)

	levels, err := BuildLevels(def)
	if !errors.Is(err, ErrCyclicGraph) {
		t.Fatalf("got %v, want ErrCyclicGraph", err)
	}
	if levels != nil {
		t.Errorf("got partial result %v alongside cycle error", levels)
	}
}

// assertPartition checks the level invariants: every step appears in
// exactly one level, and every dependency lies in a strictly earlier level.
func assertPartition(t *testing.T, def *Definition, levels [][]string) {
	t.Helper()

	levelOf := make(map[string]int)
	for i, level := range levels {
		for _, id := range level {
			if _, dup := levelOf[id]; dup {
				t.Errorf("step %q appears in more than one level", id)
			}
			levelOf[id] = i
		}
	}
	if len(levelOf) != len(def.Steps) {
		t.Errorf("partition covers %d steps, want %d", len(levelOf), len(def.Steps))
	}
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if levelOf[dep] >= levelOf[s.ID] {
				t.Errorf("dependency %q of %q not in an earlier level (%d >= %d)",
					dep, s.ID, levelOf[dep], levelOf[s.ID])
			}
		}
	}
}
