package mvcc

import "testing"

func TestReadThenWriteNoConflict(t *testing.T) {
	tr := NewTracker(Config{RetentionMs: 60000, MaxChainDepth: 8})
	ref := EntityRef{Kind: EntityNode, Key: 1}

	rs := NewReadSet()
	tr.RecordRead(rs, ref)
	if err := tr.CheckAndCommit(rs, []EntityRef{ref}, 10); err != nil {
		t.Fatalf("expected first commit to succeed: %v", err)
	}
	if tr.ChainDepth(ref) != 1 {
		t.Fatalf("expected chain depth 1, got %d", tr.ChainDepth(ref))
	}
}

func TestConcurrentWriteConflictIsDetected(t *testing.T) {
	tr := NewTracker(Config{RetentionMs: 60000, MaxChainDepth: 8})
	ref := EntityRef{Kind: EntityNode, Key: 1}

	rsA := NewReadSet()
	tr.RecordRead(rsA, ref)
	rsB := NewReadSet()
	tr.RecordRead(rsB, ref)

	if err := tr.CheckAndCommit(rsB, []EntityRef{ref}, 20); err != nil {
		t.Fatalf("expected B to commit first successfully: %v", err)
	}
	if err := tr.CheckAndCommit(rsA, []EntityRef{ref}, 10); err == nil {
		t.Fatalf("expected A to conflict against B's intervening commit")
	}
}

func TestChainDepthIsBounded(t *testing.T) {
	tr := NewTracker(Config{RetentionMs: 60000, MaxChainDepth: 3})
	ref := EntityRef{Kind: EntityNode, Key: 1}
	for i := uint64(1); i <= 10; i++ {
		rs := NewReadSet()
		tr.RecordRead(rs, ref)
		if err := tr.CheckAndCommit(rs, []EntityRef{ref}, i); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if tr.ChainDepth(ref) != 3 {
		t.Fatalf("expected chain depth capped at 3, got %d", tr.ChainDepth(ref))
	}
}

func TestStartStopGC(t *testing.T) {
	tr := NewTracker(Config{RetentionMs: 1, MaxChainDepth: 8})
	tr.StartGC(5)
	defer tr.StopGC()

	ref := EntityRef{Kind: EntityEdge, Key: 42}
	rs := NewReadSet()
	tr.RecordRead(rs, ref)
	if err := tr.CheckAndCommit(rs, []EntityRef{ref}, 1); err != nil {
		t.Fatalf("CheckAndCommit: %v", err)
	}
}
