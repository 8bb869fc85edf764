package message

import (
	"sync"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(NewText("one"))
	q.Push(NewText("two"))
	q.Push(NewText("three"))

	for _, want := range []string{"one", "two", "three"} {
		m, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() empty, want %q", want)
		}
		if m.Text() != want {
			t.Errorf("Pop() = %q, want %q", m.Text(), want)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue returned a message")
	}
}

func TestQueueAmount(t *testing.T) {
	q := NewQueue()

	sizes := []int{3, 10, 7, 1}
	total := 0
	for _, size := range sizes {
		q.Push(NewBinary(make([]byte, size)))
		total += size
	}
	if q.Amount() != total {
		t.Fatalf("Amount() = %d, want %d", q.Amount(), total)
	}

	// Popping k messages leaves the sum of the remaining sizes.
	for k, size := range sizes {
		m, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() %d empty", k)
		}
		total -= m.Size()
		if m.Size() != size {
			t.Errorf("Pop() size = %d, want %d", m.Size(), size)
		}
		if q.Amount() != total {
			t.Errorf("after %d pops Amount() = %d, want %d", k+1, q.Amount(), total)
		}
	}

	if q.Amount() != 0 {
		t.Errorf("Amount() = %d after draining, want 0", q.Amount())
	}
}

func TestQueueLen(t *testing.T) {
	q := NewQueue()
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
	q.Push(NewText("a"))
	q.Push(NewText("b"))
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Push(NewBinary(make([]byte, 4)))
			}
		}()
	}
	wg.Wait()

	if got := q.Len(); got != producers*perProducer {
		t.Errorf("Len() = %d, want %d", got, producers*perProducer)
	}
	if got := q.Amount(); got != producers*perProducer*4 {
		t.Errorf("Amount() = %d, want %d", got, producers*perProducer*4)
	}

	count := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		count++
	}
	if count != producers*perProducer {
		t.Errorf("drained %d messages, want %d", count, producers*perProducer)
	}
}
