//go:build linux

package netpoll

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollPoller_ReportsReadable(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	if err := p.Add(a, EventRead); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := p.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != a {
		t.Fatalf("expected one readable event for fd %d, got %+v", a, events)
	}
	if events[0].Mask&EventRead == 0 {
		t.Errorf("expected EventRead bit set, got mask %x", events[0].Mask)
	}
}

func TestEpollPoller_ModifyChangesInterest(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	if err := p.Add(a, EventRead); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Modify(a, EventWrite); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	unix.Write(b, []byte("ignored now"))

	events, err := p.Wait(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, e := range events {
		if e.Fd == a && e.Mask&EventRead != 0 {
			t.Errorf("did not expect EventRead after Modify dropped read interest")
		}
	}
}

func TestEpollPoller_RemoveStopsDelivery(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	if err := p.Add(a, EventRead); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Removing twice must not error (destroy's idempotence requirement).
	if err := p.Remove(a); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	unix.Write(b, []byte("x"))

	events, err := p.Wait(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after Remove, got %+v", events)
	}
}
