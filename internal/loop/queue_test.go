package loop

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](3)
	if q.Cap() != 4 {
		t.Fatalf("Cap = %d, want 4", q.Cap())
	}
	for i := 0; i < 4; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("Enqueue(%d) failed", i)
		}
	}
	if q.Enqueue(99) {
		t.Fatal("Enqueue into a full queue succeeded")
	}
	if q.Len() != 4 {
		t.Errorf("Len = %d", q.Len())
	}
	for i := 0; i < 4; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("Dequeue = %d %v, want %d", v, ok, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue from an empty queue succeeded")
	}
}

func TestQueueMPMC(t *testing.T) {
	const producers, perProducer = 4, 10000
	q := NewQueue[int](256)
	var sum, count atomic.Int64
	var prod, cons sync.WaitGroup
	done := make(chan struct{})

	for c := 0; c < 4; c++ {
		cons.Add(1)
		go func() {
			defer cons.Done()
			for {
				if v, ok := q.Dequeue(); ok {
					sum.Add(int64(v))
					count.Add(1)
					continue
				}
				select {
				case <-done:
					if q.Len() == 0 {
						return
					}
				default:
				}
			}
		}()
	}
	for p := 0; p < producers; p++ {
		prod.Add(1)
		go func() {
			defer prod.Done()
			for i := 1; i <= perProducer; i++ {
				for !q.Enqueue(i) {
				}
			}
		}()
	}
	prod.Wait()
	close(done)
	cons.Wait()

	if count.Load() != producers*perProducer {
		t.Fatalf("consumed %d items, want %d", count.Load(), producers*perProducer)
	}
	want := int64(producers * perProducer * (perProducer + 1) / 2)
	if sum.Load() != want {
		t.Errorf("sum = %d, want %d", sum.Load(), want)
	}
}
