package eventbus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeSerialGenerated, Data: 3})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeSerialGenerated || e.Data != 3 || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	unsub()
	unsub() // idempotent

	var got []string
	for e := range ch {
		got = append(got, e.Type)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("got %v", got)
	}
	b.Publish(Event{Type: "after"}) // no subscribers, no panic
}

func TestConcurrentUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		ch, unsub := b.Subscribe(2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(Event{Type: "x"})
			}
			unsub()
		}()
	}
	wg.Wait()
}
