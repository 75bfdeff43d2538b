package bind

import (
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTableKeyRejection(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"A", "B"})
	if _, err := tb.Get("C"); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("Get(C): got %v, want ErrKeyNotAllowed", err)
	}
	if err := tb.Bind("C", 1); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("Bind(C): got %v, want ErrKeyNotAllowed", err)
	}
	if _, err := tb.ComputeIfUnbound("C", func() (int, error) { return 1, nil }); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("ComputeIfUnbound(C): got %v, want ErrKeyNotAllowed", err)
	}
	if tb.Has("C") || tb.IsBound("C") {
		t.Fatal("undeclared key reported as present")
	}
	// Rejection is distinct from an unbound declared key.
	if _, err := tb.Get("A"); !errors.Is(err, ErrUnbound) {
		t.Fatalf("Get(A): got %v, want ErrUnbound", err)
	}
}

func TestTableBindAndGet(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"x", "y", "z"})
	if err := tb.Bind("y", 7); err != nil {
		t.Fatal(err)
	}
	if v, err := tb.Get("y"); err != nil || v != 7 {
		t.Fatalf("Get(y): got (%d, %v), want (7, nil)", v, err)
	}
	if err := tb.Bind("y", 8); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("rebind: got %v, want ErrAlreadyBound", err)
	}
	if !tb.IsBound("y") || tb.IsBound("x") {
		t.Fatal("IsBound mismatch")
	}
	if got := tb.OrElse("x", -1); got != -1 {
		t.Fatalf("OrElse on unbound key: got %d, want -1", got)
	}
	if got := tb.OrElse("y", -1); got != 7 {
		t.Fatalf("OrElse on bound key: got %d, want 7", got)
	}
}

func TestTableComputeIfUnbound(t *testing.T) {
	tb := NewTableOf[string, string]([]string{"cfg"})
	var calls atomic.Int64
	fn := func() (string, error) {
		calls.Add(1)
		return "loaded", nil
	}
	for i := 0; i < 3; i++ {
		if v, err := tb.ComputeIfUnbound("cfg", fn); err != nil || v != "loaded" {
			t.Fatalf("compute #%d: got (%q, %v)", i, v, err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("supplier ran %d times, want 1", n)
	}
}

func TestTableErrorMemoization(t *testing.T) {
	cause := errors.New("resolver down")
	tb := NewTableOf[string, int]([]string{"k"})
	var calls atomic.Int64
	fn := func() (int, error) {
		calls.Add(1)
		return 0, cause
	}
	if _, err := tb.ComputeIfUnbound("k", fn); !errors.Is(err, cause) {
		t.Fatalf("first compute: got %v, want the original cause", err)
	}
	_, err := tb.ComputeIfUnbound("k", fn)
	if !errors.Is(err, ErrPriorFailure) || !errors.Is(err, cause) {
		t.Fatalf("second compute: got %v, want ErrPriorFailure wrapping the cause", err)
	}
	if _, err := tb.Get("k"); !errors.Is(err, ErrPriorFailure) {
		t.Fatalf("Get after failure: got %v, want ErrPriorFailure", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("supplier ran %d times, want 1", n)
	}
}

func TestTableCircular(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"a"})
	done := make(chan error, 1)
	go func() {
		_, err := tb.ComputeIfUnbound("a", func() (int, error) {
			return tb.Get("a")
		})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrCircular) {
			t.Fatalf("self-referential compute: got %v, want ErrCircular", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("self-referential compute deadlocked")
	}
}

func TestTableOrElseCircularPanics(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"a"})
	if _, err := tb.ComputeIfUnbound("a", func() (int, error) {
		defer func() {
			if r := recover(); r != ErrCircular {
				t.Errorf("OrElse inside own computation: recovered %v, want ErrCircular", r)
			}
		}()
		_ = tb.OrElse("a", -1)
		return 7, nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTableDuplicateKeys(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"a", "b", "a", "a"})
	if tb.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", tb.Len())
	}
	if err := tb.Bind("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := tb.Bind("a", 2); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("duplicate key has an independent slot: %v", err)
	}
}

func TestTableZeroKeys(t *testing.T) {
	tb := NewTableOf[string, int](nil)
	if tb.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", tb.Len())
	}
	if _, err := tb.Get("a"); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("Get: got %v, want ErrKeyNotAllowed", err)
	}
	if got := tb.String(); got != "TableOf[]" {
		t.Fatalf("String: %q", got)
	}
}

func TestTableManyIntKeys(t *testing.T) {
	const n = 1000
	keys := make([]int, n)
	for i := range keys {
		keys[i] = i * 7
	}
	tb := NewTableOf[int, int](keys)
	if tb.Len() != n {
		t.Fatalf("Len: got %d, want %d", tb.Len(), n)
	}
	for _, k := range keys {
		if err := tb.Bind(k, k+1); err != nil {
			t.Fatalf("Bind(%d): %v", k, err)
		}
	}
	for _, k := range keys {
		if v, err := tb.Get(k); err != nil || v != k+1 {
			t.Fatalf("Get(%d): got (%d, %v)", k, v, err)
		}
	}
	if _, err := tb.Get(3); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("Get(3): got %v, want ErrKeyNotAllowed", err)
	}
}

func TestTableStructKeys(t *testing.T) {
	type point struct{ X, Y int }
	keys := []point{{1, 2}, {3, 4}}
	tb := NewTableOf[point, string](keys)
	if err := tb.Bind(point{1, 2}, "origin-ish"); err != nil {
		t.Fatal(err)
	}
	if v, err := tb.Get(point{1, 2}); err != nil || v != "origin-ish" {
		t.Fatalf("Get: got (%q, %v)", v, err)
	}
	if _, err := tb.Get(point{5, 6}); !errors.Is(err, ErrKeyNotAllowed) {
		t.Fatalf("undeclared struct key: got %v, want ErrKeyNotAllowed", err)
	}
}

func TestTableConcurrentRace(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	tb := NewTableOf[string, int](keys)
	calls := make([]atomic.Int64, len(keys))
	workers := 2 * runtime.GOMAXPROCS(0)
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed int) {
			defer wg.Done()
			<-start
			for j := range keys {
				ki := (j + seed) % len(keys)
				v, err := tb.ComputeIfUnbound(keys[ki], func() (int, error) {
					calls[ki].Add(1)
					time.Sleep(time.Millisecond)
					return ki * 10, nil
				})
				if err != nil || v != ki*10 {
					t.Errorf("key %q: got (%d, %v)", keys[ki], v, err)
				}
			}
		}(w)
	}
	close(start)
	wg.Wait()
	for i := range calls {
		if c := calls[i].Load(); c != 1 {
			t.Fatalf("supplier for key %q ran %d times, want 1", keys[i], c)
		}
	}
}

func TestTablePerKeyIndependence(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"slow", "fast"})
	enter := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = tb.ComputeIfUnbound("slow", func() (int, error) {
			close(enter)
			<-release
			return 1, nil
		})
	}()
	<-enter
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := tb.ComputeIfUnbound("fast", func() (int, error) { return 2, nil })
		if err != nil || v != 2 {
			t.Errorf("fast key: got (%d, %v)", v, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fast key blocked behind slow key's binder")
	}
	close(release)
}

func TestTableKeysAndAll(t *testing.T) {
	keys := []string{"a", "b", "c"}
	tb := NewTableOf[string, int](keys)
	seen := map[string]bool{}
	for k := range tb.Keys() {
		seen[k] = true
	}
	if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("Keys: %v", seen)
	}
	if err := tb.Bind("b", 2); err != nil {
		t.Fatal(err)
	}
	got := map[string]int{}
	for k, v := range tb.All() {
		got[k] = v
	}
	if len(got) != 1 || got["b"] != 2 {
		t.Fatalf("All over a partially bound table: %v", got)
	}
}

func TestTableString(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"a", "b"})
	if err := tb.Bind("a", 1); err != nil {
		t.Fatal(err)
	}
	s := tb.String()
	if !strings.HasPrefix(s, "TableOf[") || !strings.HasSuffix(s, "]") {
		t.Fatalf("String shape: %q", s)
	}
	if !strings.Contains(s, "a:1") || !strings.Contains(s, "b:<unbound>") {
		t.Fatalf("String content: %q", s)
	}
}

func TestTableStringDoesNotForce(t *testing.T) {
	tb := NewTableOf[string, int]([]string{"k"})
	_ = tb.String()
	if _, err := tb.Get("k"); !errors.Is(err, ErrUnbound) {
		t.Fatalf("String bound the slot: %v", err)
	}
}
