package wal

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWriterSyncFullFlushesEveryCommit(t *testing.T) {
	w := NewWriter(SyncFull, 0, 0)
	defer w.Close()

	var fsyncs int32
	for i := 0; i < 5; i++ {
		err := w.Commit(func() error { return nil }, func() error {
			atomic.AddInt32(&fsyncs, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	if fsyncs != 5 {
		t.Fatalf("expected 5 fsyncs under SyncFull, got %d", fsyncs)
	}
}

func TestWriterSyncOffNeverFsyncs(t *testing.T) {
	w := NewWriter(SyncOff, 0, 0)
	defer w.Close()

	called := false
	err := w.Commit(func() error { return nil }, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if called {
		t.Fatalf("expected fsync to be skipped under SyncOff")
	}
}

func TestWriterSyncNormalBatchesConcurrentCommits(t *testing.T) {
	w := NewWriter(SyncNormal, 50, 100)
	defer w.Close()

	var fsyncs int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.Commit(func() error { return nil }, func() error {
				atomic.AddInt32(&fsyncs, 1)
				return nil
			})
			if err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()
	if fsyncs == 0 {
		t.Fatalf("expected at least one fsync")
	}
	if fsyncs >= 20 {
		t.Fatalf("expected commits to batch, got %d fsyncs for 20 commits", fsyncs)
	}
}
