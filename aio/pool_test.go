package aio

import "testing"

func TestBufferPoolAccounting(t *testing.T) {
	p := NewBufferPool(4, 1024)
	if p.Available() != 4 || p.InUse() != 0 {
		t.Fatalf("fresh pool: available=%d inUse=%d", p.Available(), p.InUse())
	}

	var held [][]byte
	for i := 0; i < 4; i++ {
		buf, ok := p.Acquire()
		if !ok {
			t.Fatalf("Acquire %d failed", i)
		}
		if len(buf) != 1024 {
			t.Fatalf("buffer size %d, want 1024", len(buf))
		}
		held = append(held, buf)
		if p.InUse()+p.Available() != 4 {
			t.Fatalf("invariant broken: inUse=%d available=%d", p.InUse(), p.Available())
		}
	}

	if _, ok := p.Acquire(); ok {
		t.Error("Acquire on exhausted pool succeeded")
	}

	for _, buf := range held {
		p.Release(buf)
	}
	if p.Available() != 4 || p.InUse() != 0 {
		t.Errorf("after release: available=%d inUse=%d", p.Available(), p.InUse())
	}
}

func TestBufferPoolReleaseRestoresLength(t *testing.T) {
	p := NewBufferPool(1, 64)
	buf, _ := p.Acquire()
	p.Release(buf[:3]) // caller may hand back a shortened slice
	buf, _ = p.Acquire()
	if len(buf) != 64 {
		t.Errorf("re-acquired buffer length %d, want 64", len(buf))
	}
}
