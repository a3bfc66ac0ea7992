package migration

import "testing"

func TestGuardSerializes(t *testing.T) {
	var g guard
	release, ok := g.acquire()
	if !ok {
		t.Fatal("idle guard refused acquisition")
	}
	if !g.engaged() {
		t.Fatal("guard not engaged after acquire")
	}
	if _, ok := g.acquire(); ok {
		t.Fatal("engaged guard acquired twice")
	}
	release()
	if g.engaged() {
		t.Fatal("guard engaged after release")
	}
	release2, ok := g.acquire()
	if !ok {
		t.Fatal("released guard refused acquisition")
	}
	release2()
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	var g guard
	release, ok := g.acquire()
	if !ok {
		t.Fatal("idle guard refused acquisition")
	}
	release()
	release()
	if _, ok := g.acquire(); !ok {
		t.Fatal("double release corrupted the guard")
	}
}
