package spatial

import "testing"

func TestInsertAndNeighborsWithin(t *testing.T) {
	g, err := New(10, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Insert(0, Vec3{X: 0, Y: 0, Z: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := g.Insert(1, Vec3{X: 0.5, Y: 0, Z: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := g.Insert(2, Vec3{X: 4, Y: 4, Z: 4}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	neighbors, err := g.NeighborsWithin(Vec3{X: 0, Y: 0, Z: 0}, 1.0)
	if err != nil {
		t.Fatalf("NeighborsWithin: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("NeighborsWithin found %d entries, want 2", len(neighbors))
	}
}

func TestOverlapsDetectsCloseAtom(t *testing.T) {
	g, err := New(10, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Insert(0, Vec3{X: 0, Y: 0, Z: 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	overlaps, err := g.Overlaps(Vec3{X: 0.1, Y: 0, Z: 0}, func(int) float64 { return 1.0 })
	if err != nil {
		t.Fatalf("Overlaps: %v", err)
	}
	if !overlaps {
		t.Error("Overlaps = false, want true for a point well inside sigma")
	}

	clear, err := g.Overlaps(Vec3{X: 5, Y: 5, Z: 5}, func(int) float64 { return 1.0 })
	if err != nil {
		t.Fatalf("Overlaps: %v", err)
	}
	if clear {
		t.Error("Overlaps = true, want false for a distant point")
	}
}

func TestMoveRelocatesEntry(t *testing.T) {
	g, err := New(10, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	old := Vec3{X: 0, Y: 0, Z: 0}
	if err := g.Insert(0, old); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	newPos := Vec3{X: 4, Y: 4, Z: 4}
	if err := g.Move(0, old, newPos); err != nil {
		t.Fatalf("Move: %v", err)
	}

	nearOld, err := g.NeighborsWithin(old, 0.5)
	if err != nil {
		t.Fatalf("NeighborsWithin: %v", err)
	}
	if len(nearOld) != 0 {
		t.Errorf("found %d entries near the old position after Move, want 0", len(nearOld))
	}

	nearNew, err := g.NeighborsWithin(newPos, 0.5)
	if err != nil {
		t.Fatalf("NeighborsWithin: %v", err)
	}
	if len(nearNew) != 1 {
		t.Errorf("found %d entries near the new position after Move, want 1", len(nearNew))
	}
}

func TestCellOfRejectsOutOfBox(t *testing.T) {
	g, err := New(4, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.Insert(0, Vec3{X: 100, Y: 0, Z: 0}); err == nil {
		t.Error("Insert at an out-of-box position succeeded, want error")
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	if _, err := New(0, 1); err == nil {
		t.Error("New(0, 1) = nil error, want error")
	}
	if _, err := New(10, 0); err == nil {
		t.Error("New(10, 0) = nil error, want error")
	}
}

func TestClearEmptiesGrid(t *testing.T) {
	g, err := New(10, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = g.Insert(0, Vec3{})
	if g.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", g.Len())
	}
	g.Clear()
	if g.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", g.Len())
	}
}
