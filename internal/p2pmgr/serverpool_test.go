package p2pmgr

import (
	"testing"
	"time"
)

func TestStaticPoolPopServesBootstrapThenConsidered(t *testing.T) {
	p := NewStaticPool([]string{"10.0.0.1:9000"})

	addr, ok := p.Pop()
	if !ok || addr != "10.0.0.1:9000" {
		t.Fatalf("Pop() = (%q, %v), want (10.0.0.1:9000, true)", addr, ok)
	}

	if p.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", p.Size())
	}

	p.Consider("10.0.0.2:9000")
	addr, ok = p.Pop()
	if !ok || addr != "10.0.0.2:9000" {
		t.Fatalf("Pop() = (%q, %v), want (10.0.0.2:9000, true)", addr, ok)
	}
}

func TestStaticPoolConsiderIsIdempotent(t *testing.T) {
	p := NewStaticPool(nil)

	p.Consider("10.0.0.3:9000")
	p.Consider("10.0.0.3:9000")
	if got := p.Size(); got != 1 {
		t.Fatalf("Size() after duplicate Consider = %d, want 1", got)
	}

	addr, _ := p.Pop()
	p.Consider(addr)
	if got := p.Size(); got != 1 {
		t.Fatalf("Size() after re-Consider of a popped address = %d, want 1", got)
	}
}

func TestStaticPoolPopBlocksUntilConsiderOrClose(t *testing.T) {
	p := NewStaticPool(nil)

	done := make(chan string, 1)
	go func() {
		addr, ok := p.Pop()
		if !ok {
			done <- ""
			return
		}
		done <- addr
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before anything was considered")
	case <-time.After(20 * time.Millisecond):
	}

	p.Consider("10.0.0.4:9000")
	select {
	case addr := <-done:
		if addr != "10.0.0.4:9000" {
			t.Fatalf("Pop() = %q, want 10.0.0.4:9000", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Pop to wake on Consider")
	}
}

func TestStaticPoolPopReturnsFalseAfterClose(t *testing.T) {
	p := NewStaticPool(nil)

	done := make(chan bool, 1)
	go func() {
		_, ok := p.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop() reported ok=true after Close with an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Pop to wake on Close")
	}
}
