package memory

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/mcpagent/internal/llm"
)

func TestNewWindow_DefaultCapacity(t *testing.T) {
	for _, c := range []int{0, -5} {
		if got := NewWindow(c).Cap(); got != DefaultCapacity {
			t.Errorf("NewWindow(%d).Cap() = %d, want %d", c, got, DefaultCapacity)
		}
	}
}

func TestWindow_AppendAssignsSeq(t *testing.T) {
	w := NewWindow(4)
	for i := 1; i <= 3; i++ {
		got := w.Append(llm.Message{Role: llm.RoleUser, Content: fmt.Sprint(i)})
		if got.Seq != uint64(i) {
			t.Errorf("Append #%d Seq = %d, want %d", i, got.Seq, i)
		}
	}
	if w.Len() != 3 {
		t.Errorf("Len() = %d, want 3", w.Len())
	}
}

// Retained count never exceeds capacity, the oldest go first, and the
// newest message is always present.
func TestWindow_BoundedFIFO(t *testing.T) {
	var evicted []uint64
	w := NewWindow(3, WithEvictHook(func(m llm.Message) {
		evicted = append(evicted, m.Seq)
	}))

	for i := range 10 {
		stored := w.Append(llm.Message{Role: llm.RoleUser, Content: fmt.Sprint(i)})
		if w.Len() > w.Cap() {
			t.Fatalf("Len() = %d exceeds Cap() = %d", w.Len(), w.Cap())
		}
		snap := w.Snapshot()
		if snap[len(snap)-1].Seq != stored.Seq {
			t.Fatalf("newest message %d not retained: %+v", stored.Seq, snap)
		}
	}

	snap := w.Snapshot()
	var seqs []uint64
	for _, m := range snap {
		seqs = append(seqs, m.Seq)
	}
	if fmt.Sprint(seqs) != "[8 9 10]" {
		t.Errorf("retained seqs = %v, want [8 9 10]", seqs)
	}
	if fmt.Sprint(evicted) != "[1 2 3 4 5 6 7]" {
		t.Errorf("evicted seqs = %v, want [1 2 3 4 5 6 7]", evicted)
	}
}

func TestWindow_CapacityOne(t *testing.T) {
	w := NewWindow(1)
	w.Append(llm.Message{Content: "a"})
	w.Append(llm.Message{Content: "b"})

	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].Content != "b" {
		t.Errorf("Snapshot() = %+v, want only b", snap)
	}
}

func TestWindow_SnapshotIsCopy(t *testing.T) {
	w := NewWindow(2)
	w.Append(llm.Message{Content: "original"})

	snap := w.Snapshot()
	snap[0].Content = "changed"

	if got := w.Snapshot()[0].Content; got != "original" {
		t.Errorf("window content = %q after modifying snapshot", got)
	}
}

func TestWindow_Reset(t *testing.T) {
	evictions := 0
	w := NewWindow(2, WithEvictHook(func(llm.Message) { evictions++ }))
	w.Append(llm.Message{Content: "a"})
	w.Append(llm.Message{Content: "b"})
	w.Reset()

	if w.Len() != 0 || len(w.Snapshot()) != 0 {
		t.Errorf("Len() = %d after Reset", w.Len())
	}
	if evictions != 0 {
		t.Errorf("Reset called evict hook %d times", evictions)
	}
	if got := w.Append(llm.Message{Content: "c"}); got.Seq != 3 {
		t.Errorf("Seq after Reset = %d, want 3", got.Seq)
	}
}

func TestWindow_ConcurrentAppend(t *testing.T) {
	w := NewWindow(50)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				w.Append(llm.Message{Content: fmt.Sprintf("%d-%d", g, i)})
				_ = w.Snapshot()
			}
		}()
	}
	wg.Wait()

	snap := w.Snapshot()
	if len(snap) != 50 {
		t.Fatalf("Len = %d, want 50", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].Seq != snap[i-1].Seq+1 {
			t.Fatalf("snapshot not contiguous at %d: %d then %d", i, snap[i-1].Seq, snap[i].Seq)
		}
	}
	if snap[len(snap)-1].Seq != 800 {
		t.Errorf("last Seq = %d, want 800", snap[len(snap)-1].Seq)
	}
}
