package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marubot/maru/pkg/models"
)

func inboundMsg(id string) *models.InboundMessage {
	return &models.InboundMessage{ID: id, Provider: models.ProviderSlack, ChatID: "C1", Content: id}
}

func TestBus_FIFOOrder(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.PublishInbound(inboundMsg(fmt.Sprintf("m%d", i)))
	}

	for i := 0; i < 5; i++ {
		got, ok := b.ConsumeInbound(context.Background(), time.Second)
		if !ok {
			t.Fatalf("ConsumeInbound() #%d returned no message", i)
		}
		want := fmt.Sprintf("m%d", i)
		if got.ID != want {
			t.Errorf("message %d = %q, want %q", i, got.ID, want)
		}
	}
	if n := b.Size(Inbound); n != 0 {
		t.Errorf("Size(inbound) = %d, want 0", n)
	}
}

func TestBus_ConsumeBlocksUntilPublish(t *testing.T) {
	b := New()
	done := make(chan *models.InboundMessage, 1)

	go func() {
		m, ok := b.ConsumeInbound(context.Background(), 5*time.Second)
		if !ok {
			done <- nil
			return
		}
		done <- m
	}()

	time.Sleep(20 * time.Millisecond)
	b.PublishInbound(inboundMsg("late"))

	select {
	case m := <-done:
		if m == nil || m.ID != "late" {
			t.Fatalf("consumer got %v, want message %q", m, "late")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never woke after publish")
	}
}

func TestBus_ConsumeTimeout(t *testing.T) {
	b := New()
	start := time.Now()
	_, ok := b.ConsumeInbound(context.Background(), 50*time.Millisecond)
	if ok {
		t.Fatal("ConsumeInbound() on empty bus returned a message")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("consume returned after %v, expected to wait for the timeout", elapsed)
	}
}

func TestBus_ConsumeContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, ok := b.ConsumeInbound(ctx, 5*time.Second); ok {
		t.Fatal("cancelled consume returned a message")
	}
}

func TestBus_CompetingConsumersEachReceiveOnce(t *testing.T) {
	b := New()
	const total = 50
	const workers = 5

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, ok := b.ConsumeInbound(context.Background(), 200*time.Millisecond)
				if !ok {
					return
				}
				mu.Lock()
				seen[m.ID]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		b.PublishInbound(inboundMsg(fmt.Sprintf("m%d", i)))
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("consumed %d distinct messages, want %d", len(seen), total)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("message %s delivered %d times, want exactly once", id, count)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.PublishOutbound(&models.OutboundMessage{ID: fmt.Sprintf("o%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked with no consumers")
	}
	if n := b.Size(Outbound); n != 10000 {
		t.Errorf("Size(outbound) = %d, want 10000", n)
	}
}

func TestBus_CloseWakesConsumers(t *testing.T) {
	b := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeOutbound(context.Background(), time.Minute)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("consume on closed empty bus reported a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake blocked consumer")
	}

	b.PublishOutbound(&models.OutboundMessage{ID: "after-close"})
	if n := b.Size(Outbound); n != 0 {
		t.Errorf("publish after close enqueued %d messages, want 0", n)
	}
}

func TestBus_Drain(t *testing.T) {
	b := New()
	b.PublishInbound(inboundMsg("a"))
	b.PublishInbound(inboundMsg("b"))
	b.PublishOutbound(&models.OutboundMessage{ID: "c"})

	in, out := b.Drain()
	if in != 2 || out != 1 {
		t.Errorf("Drain() = (%d, %d), want (2, 1)", in, out)
	}
	if b.Size(Inbound) != 0 || b.Size(Outbound) != 0 {
		t.Error("queues not empty after drain")
	}
}
