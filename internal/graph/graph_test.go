package graph_test

import (
	"errors"
	"reflect"
	"testing"

	"planline/internal/domain"
	"planline/internal/graph"
)

func item(id string, priority int, deps ...string) domain.WorkItem {
	return domain.WorkItem{ID: id, Title: id, State: domain.StateBacklog, Duration: 1, Priority: priority, DependsOn: deps}
}

func TestNewRejectsDuplicateAndDanglingIDs(t *testing.T) {
	if _, err := graph.New([]domain.WorkItem{item("a", 0), item("a", 0)}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	if _, err := graph.New([]domain.WorkItem{item("a", 0, "ghost")}); err == nil {
		t.Fatalf("expected dangling dependency error")
	}
	if _, err := graph.New([]domain.WorkItem{{Title: "no id"}}); err == nil {
		t.Fatalf("expected empty id error")
	}
}

func TestTopologicalSortRespectsDependenciesAndPriority(t *testing.T) {
	r, err := graph.New([]domain.WorkItem{
		item("c", 5, "a"),
		item("b", 1, "a"),
		item("a", 9),
		item("d", 0),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	order, err := r.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	// d (priority 0) before a (priority 9); then a's dependents by priority.
	want := []string{"d", "a", "b", "c"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestTopologicalSortIsDeterministicOnTies(t *testing.T) {
	r, err := graph.New([]domain.WorkItem{item("x", 1), item("y", 1), item("z", 1)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first, err := r.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.TopologicalSort()
		if err != nil {
			t.Fatalf("sort: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("order unstable: %v then %v", first, again)
		}
	}
	if !reflect.DeepEqual(first, []string{"x", "y", "z"}) {
		t.Fatalf("tie-break should follow insertion order, got %v", first)
	}
}

func TestCycleDetection(t *testing.T) {
	r, err := graph.New([]domain.WorkItem{
		item("a", 0, "c"),
		item("b", 0, "a"),
		item("c", 0, "b"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cycles := r.DetectCycles()
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %v", cycles)
	}
	path := cycles[0]
	if path[0] != path[len(path)-1] {
		t.Fatalf("cycle path should close on itself: %v", path)
	}
	if len(path) != 4 {
		t.Fatalf("cycle over three items should have four entries, got %v", path)
	}

	var cerr *graph.CycleError
	if _, err := r.TopologicalSort(); !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError from sort, got %v", err)
	}
	if _, err := r.CriticalPath(); !errors.As(err, &cerr) {
		t.Fatalf("expected CycleError from critical path, got %v", err)
	}
}

func TestDetectCyclesReportsEachCycleOnce(t *testing.T) {
	r, err := graph.New([]domain.WorkItem{
		item("a", 0, "b"),
		item("b", 0, "a"),
		item("c", 0, "d"),
		item("d", 0, "c"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cycles := r.DetectCycles()
	if len(cycles) != 2 {
		t.Fatalf("expected two cycles, got %v", cycles)
	}
}

func TestCanStart(t *testing.T) {
	dep := item("dep", 0)
	dep.State = domain.StateDone
	slow := item("slow", 0)
	slow.State = domain.StateInProgress
	main := item("main", 0, "dep", "slow")

	r, err := graph.New([]domain.WorkItem{dep, slow, main})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	check, err := r.CanStart("main")
	if err != nil {
		t.Fatalf("can start: %v", err)
	}
	if check.Allowed {
		t.Fatalf("expected start blocked by %v", check.Pending)
	}
	if !reflect.DeepEqual(check.Pending, []string{"slow"}) {
		t.Fatalf("pending = %v, want [slow]", check.Pending)
	}

	if _, err := r.CanStart("ghost"); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestCanStartAcceptsReviewDependencies(t *testing.T) {
	dep := item("dep", 0)
	dep.State = domain.StateReview
	main := item("main", 0, "dep")
	r, err := graph.New([]domain.WorkItem{dep, main})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	check, err := r.CanStart("main")
	if err != nil {
		t.Fatalf("can start: %v", err)
	}
	if !check.Allowed {
		t.Fatalf("review dependency should count as satisfied, pending %v", check.Pending)
	}
}

func TestCriticalPathAndChainDepth(t *testing.T) {
	r, err := graph.New([]domain.WorkItem{
		item("a", 0),
		item("b", 0, "a"),
		item("c", 0, "b"),
		item("side", 0, "a"),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	path, err := r.CriticalPath()
	if err != nil {
		t.Fatalf("critical path: %v", err)
	}
	if !reflect.DeepEqual(path, []string{"a", "b", "c"}) {
		t.Fatalf("critical path = %v, want [a b c]", path)
	}
	depth, err := r.ChainDepth("c")
	if err != nil {
		t.Fatalf("chain depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("depth(c) = %d, want 3", depth)
	}
	depth, err = r.ChainDepth("side")
	if err != nil {
		t.Fatalf("chain depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth(side) = %d, want 2", depth)
	}
	if _, err := r.ChainDepth("ghost"); err == nil {
		t.Fatalf("expected not found error")
	}
}
