package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestEncodePasteCreated(t *testing.T) {
	ev := PasteCreated{ID: "abc", OwnerID: "u1", Visibility: "PUBLIC", Size: 5, CreatedAt: time.Unix(0, 0).UTC()}
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["id"] != "abc" || m["owner_id"] != "u1" || m["is_secured"] != false {
		t.Errorf("unexpected payload %s", data)
	}
	if _, ok := m["content"]; ok {
		t.Error("event must not carry content")
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	p.PasteCreated(context.Background(), PasteCreated{ID: "x"})
	p.Close()
}

// TestNATSPublish runs against a live server named by NATS_TEST_URL.
func TestNATSPublish(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	pub, err := NewNATS(url)
	if err != nil {
		t.Fatalf("NewNATS failed: %v", err)
	}
	defer pub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(SubjectPasteCreated, ch)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer s.Unsubscribe()
	sub.Flush()

	pub.PasteCreated(context.Background(), PasteCreated{ID: "live"})
	select {
	case msg := <-ch:
		var ev PasteCreated
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ID != "live" {
			t.Errorf("got %s, %v", msg.Data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
