package nats

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"a2a.mesh/internal/core/domain"
)

func TestSubject(t *testing.T) {
	if got := Subject(domain.EventFallbackUsed); got != "a2a.events.fallback_used" {
		t.Errorf("Subject() = %q", got)
	}
}

// Requires a running server, e.g. NATS_URL=nats://localhost:4222.
func TestPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	pub, err := Connect(url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { pub.Close() })

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe(SubjectPrefix+">", msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Unsubscribe()
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	event := domain.Event{ID: "e1", Type: domain.EventAgentStarted, AgentID: "agent-a-text-processor", Message: "started"}
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.Subject != "a2a.events.agent_started" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if got := msg.Header.Get("A2A-Agent-Id"); got != event.AgentID {
			t.Errorf("agent header = %q", got)
		}
		var got domain.Event
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != "e1" {
			t.Errorf("event id = %q", got.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}
