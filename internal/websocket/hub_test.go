package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loopforge/exporter/internal/model"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestHubBroadcastProgress(t *testing.T) {
	h, _ := startHub(t)

	a := &Client{JobID: "job-a", Send: make(chan []byte, 4)}
	b := &Client{JobID: "job-b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)

	h.BroadcastProgress("job-a", 75, 150)

	var msg model.WSProgressMessage
	if err := json.Unmarshal(receive(t, a), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != model.WSMessageTypeProgress || msg.Progress != 50 || msg.JobID != "job-a" {
		t.Errorf("unexpected message %+v", msg)
	}

	select {
	case m := <-b.Send:
		t.Errorf("job-b should not receive job-a events, got %s", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubBroadcastComplete(t *testing.T) {
	h, _ := startHub(t)

	c := &Client{JobID: "job-c", Send: make(chan []byte, 4)}
	h.Register(c)

	h.BroadcastComplete("job-c", &model.StatusResponse{
		JobID:          "job-c",
		Status:         model.JobStatusCompleted,
		OutputLocation: "http://localhost:8080/download/job-c.mp4",
		Format:         model.FormatMP4,
	})

	var msg model.WSCompleteMessage
	if err := json.Unmarshal(receive(t, c), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Result == nil || msg.Result.Status != model.JobStatusCompleted {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestHubDropsSlowConsumer(t *testing.T) {
	h := NewHub(nil)

	slow := &Client{JobID: "job-s", Send: make(chan []byte, 1)}
	fast := &Client{JobID: "job-s", Send: make(chan []byte, 2)}
	h.clients["job-s"] = map[*Client]bool{slow: true, fast: true}

	h.deliver(&BroadcastMessage{JobID: "job-s", Message: []byte("one")})
	h.deliver(&BroadcastMessage{JobID: "job-s", Message: []byte("two")})

	if got := <-slow.Send; string(got) != "one" {
		t.Fatalf("unexpected message %q", got)
	}
	if _, ok := <-slow.Send; ok {
		t.Fatal("slow consumer should have been closed")
	}
	if len(fast.Send) != 2 {
		t.Errorf("fast consumer should have both messages, has %d", len(fast.Send))
	}
	if h.clients["job-s"][slow] {
		t.Error("slow consumer still registered")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	h, cancel := startHub(t)

	c := &Client{JobID: "job-x", Send: make(chan []byte, 1)}
	h.Register(c)
	cancel()

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}

	if h.Register(&Client{JobID: "late", Send: make(chan []byte)}) {
		t.Error("register after stop should fail")
	}
	h.Unregister(c)
}
