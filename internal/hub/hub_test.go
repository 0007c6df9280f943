package hub

import "testing"

func TestBroadcastFiltersByDepartment(t *testing.T) {
	h := New()

	registrar := &Client{ID: "c1", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentID: "dept-a"}}
	library := &Client{ID: "c2", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentID: "dept-b"}}
	all := &Client{ID: "c3", Send: make(chan []byte, 1)}
	h.Register(registrar)
	h.Register(library)
	h.Register(all)

	h.Broadcast([]byte("called"), Subscription{DepartmentID: "dept-a"})

	select {
	case <-registrar.Send:
	default:
		t.Fatal("matching subscriber did not receive")
	}
	select {
	case <-library.Send:
		t.Fatal("other department received the message")
	default:
	}
	select {
	case <-all.Send:
	default:
		t.Fatal("wildcard subscriber did not receive")
	}
}

func TestBroadcastFiltersByDateKey(t *testing.T) {
	h := New()
	today := &Client{ID: "c1", Send: make(chan []byte, 1), Subscription: Subscription{DepartmentID: "dept-a", DateKey: "2026-03-09"}}
	h.Register(today)

	h.Broadcast([]byte("x"), Subscription{DepartmentID: "dept-a", DateKey: "2026-03-10"})
	select {
	case <-today.Send:
		t.Fatal("subscriber received a message for another day")
	default:
	}
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := New()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})

	if got := <-client.Send; string(got) != "one" {
		t.Fatalf("got %q, want first message", got)
	}
	select {
	case extra := <-client.Send:
		t.Fatalf("unexpected buffered message %q", extra)
	default:
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","department_id":"dept-a","date_key":"2026-03-09"}`))
	if !ok {
		t.Fatal("expected valid subscribe message")
	}
	if msg.DepartmentID != "dept-a" || msg.DateKey != "2026-03-09" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	if _, ok := ParseSubscribe([]byte(`{"action":"ping"}`)); ok {
		t.Fatal("unknown action accepted")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatal("invalid JSON accepted")
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := New()
	client := &Client{ID: "c1", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)

	if _, open := <-client.Send; open {
		t.Fatal("send channel still open after unregister")
	}
	h.Broadcast([]byte("x"), Subscription{})
}
