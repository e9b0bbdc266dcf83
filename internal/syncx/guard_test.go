package syncx

import (
	"sync"
	"testing"
)

func TestGuardGetSetSwap(t *testing.T) {
	g := NewGuard("idle")

	if got := g.Get(); got != "idle" {
		t.Errorf("Get() = %q, want idle", got)
	}
	g.Set("recording")
	if old := g.Swap("paused"); old != "recording" {
		t.Errorf("Swap returned %q, want recording", old)
	}
	if got := g.Get(); got != "paused" {
		t.Errorf("Get() after Swap = %q, want paused", got)
	}
}

func TestGuardReadScope(t *testing.T) {
	g := NewGuard(map[string]int{"r1": 3, "r2": 1})

	got := g.Read(func(m map[string]int) any {
		return m["r1"]
	})
	if got != 3 {
		t.Errorf("Read() = %v, want 3", got)
	}
}

func TestGuardWriteMutates(t *testing.T) {
	g := NewGuard(map[string]int{})

	g.Write(func(m *map[string]int) {
		(*m)["r1"] = 7
	})
	if got := g.Read(func(m map[string]int) any { return len(m) }); got != 1 {
		t.Errorf("map size = %v after Write, want 1", got)
	}
}

func TestGuardUpdateReturnsResult(t *testing.T) {
	type cell struct {
		status string
		gen    int
	}
	g := NewGuard(cell{status: "idle"})

	prev := g.Update(func(c *cell) any {
		old := c.status
		c.status = "recording"
		c.gen++
		return old
	})
	if prev != "idle" {
		t.Errorf("Update returned %v, want idle", prev)
	}
	if got := g.Get(); got.status != "recording" || got.gen != 1 {
		t.Errorf("cell = %+v, want {recording 1}", got)
	}
}

func TestGuardConcurrentWriters(t *testing.T) {
	g := NewGuard(0)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Write(func(v *int) { *v++ })
		}()
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Get()
		}()
	}
	wg.Wait()

	if got := g.Get(); got != 100 {
		t.Errorf("Get() = %d after 100 increments, want 100", got)
	}
}
