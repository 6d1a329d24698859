package id

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewAtPrefixesTimestamp(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got := NewAt(at)
	if !strings.HasPrefix(got, "1700000000123-") {
		t.Fatalf("expected timestamp prefix, got %s", got)
	}
}

func TestNewIsUniqueUnderConcurrency(t *testing.T) {
	const n = 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := New()
			mu.Lock()
			seen[v] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d unique ids, got %d", n, len(seen))
	}
}
