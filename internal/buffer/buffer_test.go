package buffer

import (
	"testing"
	"time"
)

func ptr[T any](v T) *T { return &v }

func TestBuffer_EnqueuePreservesOrder(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(time.Minute)}, nil)
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		if err := b.Enqueue(now.Add(time.Duration(i)*time.Millisecond), Message{ID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}

	got := b.Peek()
	if len(got) != 3 {
		t.Fatalf("Peek() len = %d, want 3", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("Peek()[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	var dropped []Message
	b := New(Config{MaxQueueSize: ptr(2), MaxMessageAge: ptr(time.Minute)}, func(d []Message) { dropped = d })
	now := time.Now()

	_ = b.Enqueue(now, Message{ID: "1"})
	_ = b.Enqueue(now, Message{ID: "2"})
	_ = b.Enqueue(now, Message{ID: "3"})

	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	got := b.Peek()
	if got[0].ID != "2" || got[1].ID != "3" {
		t.Errorf("Peek() = %+v, want [2, 3]", got)
	}
	if len(dropped) != 1 || dropped[0].ID != "1" {
		t.Errorf("dropped = %+v, want [1]", dropped)
	}
}

func TestBuffer_EnqueuePrunesStaleMessagesFirst(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(10 * time.Millisecond)}, nil)
	base := time.Now()

	_ = b.Enqueue(base, Message{ID: "old"})
	_ = b.Enqueue(base.Add(100*time.Millisecond), Message{ID: "new"})

	got := b.Peek()
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Peek() = %+v, want only [new]", got)
	}
}

func TestBuffer_Prune_RemovesWithoutEnqueue(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(10 * time.Millisecond)}, nil)
	base := time.Now()
	_ = b.Enqueue(base, Message{ID: "old"})

	b.Prune(base.Add(time.Second))

	if b.Len() != 0 {
		t.Errorf("Len() after Prune() = %d, want 0", b.Len())
	}
}

func TestBuffer_EnqueueAfterClose_Fails(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(time.Minute)}, nil)
	b.Close()

	err := b.Enqueue(time.Now(), Message{ID: "x"})
	var ce *ClosedError
	if err == nil {
		t.Fatal("Enqueue() error = nil, want ClosedError")
	}
	if _, ok := err.(*ClosedError); !ok {
		t.Errorf("Enqueue() error = %T, want *ClosedError", err)
	}
	_ = ce
}

func TestBuffer_PopFrontAndPushFront(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(time.Minute)}, nil)
	now := time.Now()
	_ = b.Enqueue(now, Message{ID: "a"})
	_ = b.Enqueue(now, Message{ID: "b"})

	msg, ok := b.PopFront()
	if !ok || msg.ID != "a" {
		t.Fatalf("PopFront() = %+v, %v, want a, true", msg, ok)
	}

	b.PushFront(msg)
	got := b.Peek()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("Peek() after PushFront() = %+v, want [a, b]", got)
	}
}

func TestBuffer_MaxQueueSizeZero_DropsEveryEnqueue(t *testing.T) {
	t.Parallel()
	var dropped []Message
	b := New(Config{MaxQueueSize: ptr(0), MaxMessageAge: ptr(time.Minute)}, func(d []Message) { dropped = d })

	if err := b.Enqueue(time.Now(), Message{ID: "x"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
	if len(dropped) != 1 || dropped[0].ID != "x" {
		t.Errorf("dropped = %+v, want [x]", dropped)
	}
}

func TestBuffer_MaxMessageAgeZero_PruneIsNoOp(t *testing.T) {
	t.Parallel()
	b := New(Config{MaxQueueSize: ptr(10), MaxMessageAge: ptr(time.Duration(0))}, nil)
	base := time.Now()
	_ = b.Enqueue(base, Message{ID: "old"})

	b.Prune(base.Add(time.Hour))

	if b.Len() != 1 {
		t.Errorf("Len() after Prune() = %d, want 1 (MaxMessageAge=0 disables pruning)", b.Len())
	}
}
