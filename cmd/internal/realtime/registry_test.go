package realtime

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRegistry_FirstAndLastConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	alice := uuid.New()
	phone := NewClient(alice, "s1", 8)
	laptop := NewClient(alice, "s2", 8)

	if !r.Register(phone) {
		t.Fatalf("first connection not reported")
	}
	if r.Register(laptop) {
		t.Fatalf("second connection reported as first")
	}
	if r.Register(laptop) {
		t.Fatalf("re-register must be a no-op")
	}
	if r.Connections() != 2 || r.Users() != 1 {
		t.Fatalf("connections=%d users=%d", r.Connections(), r.Users())
	}

	if r.Deregister(phone) {
		t.Fatalf("premature last connection")
	}
	if !r.Deregister(laptop) {
		t.Fatalf("last connection not reported")
	}
	if r.Deregister(laptop) {
		t.Fatalf("last reported twice")
	}
	if r.Connections() != 0 || r.Users() != 0 {
		t.Fatalf("registry not empty: connections=%d users=%d", r.Connections(), r.Users())
	}
}

func TestRegistry_RoomsAndImplicitLeave(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := NewClient(uuid.New(), "a", 8)
	b := NewClient(uuid.New(), "b", 8)
	stranger := NewClient(uuid.New(), "x", 8)

	r.Register(a)
	r.Register(b)

	if r.JoinRoom("room", stranger) {
		t.Fatalf("unregistered client joined a room")
	}
	r.JoinRoom("room", a)
	r.JoinRoom("room", b)
	r.JoinRoom("other", a)

	delivered, dropped := r.DeliverRoom("room", []byte(`{}`))
	if delivered != 2 || dropped != 0 {
		t.Fatalf("delivered=%d dropped=%d", delivered, dropped)
	}

	r.LeaveRoom("room", b)
	r.LeaveRoom("room", b)
	if r.InRoom("room", b) {
		t.Fatalf("b still in room")
	}

	r.Deregister(a)
	if r.InRoom("room", a) || r.InRoom("other", a) {
		t.Fatalf("deregister did not leave rooms")
	}
	if d, _ := r.DeliverRoom("room", []byte(`{}`)); d != 0 {
		t.Fatalf("delivered to empty room: %d", d)
	}
}

func TestRegistry_DeliverSkipsFullAndClosedClients(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	full := NewClient(uuid.New(), "full", 1)
	closed := NewClient(uuid.New(), "closed", 8)
	ok := NewClient(uuid.New(), "ok", 8)
	for _, c := range []*Client{full, closed, ok} {
		r.Register(c)
		r.JoinRoom("room", c)
	}
	full.Enqueue([]byte(`{}`))
	closed.Close()

	delivered, dropped := r.DeliverRoom("room", []byte(`{"n":1}`))
	if delivered != 1 || dropped != 2 {
		t.Fatalf("delivered=%d dropped=%d want 1/2", delivered, dropped)
	}
	if got := string(<-ok.Send); got != `{"n":1}` {
		t.Fatalf("ok got %s", got)
	}
}

func TestRegistry_DeliverAllAndPerUser(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	alice := uuid.New()
	a1 := NewClient(alice, "a1", 8)
	a2 := NewClient(alice, "a2", 8)
	b := NewClient(uuid.New(), "b", 8)
	for _, c := range []*Client{a1, a2, b} {
		r.Register(c)
	}

	if d, _ := r.DeliverAll([]byte(`{}`)); d != 3 {
		t.Fatalf("deliver all=%d want 3", d)
	}

	var seen []string
	r.ForEachOfUser(alice, func(c *Client) { seen = append(seen, c.SessionID) })
	if len(seen) != 2 {
		t.Fatalf("alice connections=%v", seen)
	}
}

func TestRegistry_CallbackMayMutateRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := NewClient(uuid.New(), "c", 8)
	r.Register(c)
	r.JoinRoom("room", c)

	r.ForEachInRoom("room", func(cl *Client) { r.Deregister(cl) })
	if r.Connections() != 0 {
		t.Fatalf("deregister inside iteration failed")
	}
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(uuid.New(), "c", 64)
			r.Register(c)
			r.JoinRoom("room", c)
			r.DeliverRoom("room", []byte(`{}`))
			r.LeaveRoom("room", c)
			r.Deregister(c)
		}()
	}
	wg.Wait()
	if r.Connections() != 0 {
		t.Fatalf("connections=%d", r.Connections())
	}
}
