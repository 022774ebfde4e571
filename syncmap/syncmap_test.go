package syncmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStoreIsVisibleAfterFlush(t *testing.T) {
	d := New[string, int]()
	defer d.Close()

	for i := 0; i < 100; i++ {
		d.Store("k", i)
	}
	d.Flush()

	v, ok := d.Load("k")
	if !ok || v != 99 {
		t.Fatalf("expected last write 99 to win, got %d %v", v, ok)
	}
}

func TestConcurrentWriters(t *testing.T) {
	d := New[string, int]()
	defer d.Close()

	wg := sync.WaitGroup{}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				d.Store(fmt.Sprintf("%d-%d", w, i), i)
				d.Load(fmt.Sprintf("%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	d.Flush()

	if d.Len() != 400 {
		t.Fatalf("expected 400 entries, got %d", d.Len())
	}
}

func TestUpdate(t *testing.T) {
	d := New[string, int]()
	defer d.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Update("counter", func(old int, _ bool) int { return old + 1 })
		}()
	}
	wg.Wait()

	if v, _ := d.Load("counter"); v != 20 {
		t.Fatalf("expected 20, got %d", v)
	}
}

func TestRemove(t *testing.T) {
	d := New[int, string]()
	defer d.Close()

	d.Store(1, "a")
	d.Store(2, "b")

	// queued stores are applied before the removal
	v, ok := d.RemoveValue(1)
	if !ok || v != "a" {
		t.Fatalf("expected to remove a, got %q %v", v, ok)
	}

	if _, ok := d.RemoveValue(1); ok {
		t.Fatal("expected second removal to find nothing")
	}

	got := map[int]string{}
	d.Range(func(k int, v string) bool {
		got[k] = v
		return true
	})
	if diff := cmp.Diff(map[int]string{2: "b"}, got); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}

	d.RemoveAll()
	if d.Len() != 0 {
		t.Fatalf("expected empty dictionary, got %d entries", d.Len())
	}
}

func TestClose(t *testing.T) {
	d := New[string, int]()

	d.Store("a", 1)
	d.Close()
	d.Close()

	if v, ok := d.Load("a"); !ok || v != 1 {
		t.Fatalf("expected queued write to be applied on close, got %d %v", v, ok)
	}

	d.Store("b", 2)
	d.Flush()
	if v, ok := d.Load("b"); !ok || v != 2 {
		t.Fatalf("expected write after close to be applied, got %d %v", v, ok)
	}
}
