package txn

import "testing"

func newTestMount() *Mount {
	return NewMount(0, NewMemDevice(), NewInMemoryLog(), nil)
}

func TestCommitWritesBackDirtyBuffers(t *testing.T) {
	m := newTestMount()

	tx, err := Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	b, err := tx.GetBuf(5, 16)
	if err != nil {
		t.Fatalf("GetBuf: %v", err)
	}
	copy(b.Data, []byte("hello world12345"))
	if err := tx.LogBuf(b, 0, 15); err != nil {
		t.Fatalf("LogBuf: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := m.IO.ReadBlock(5, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(got) != "hello world12345" {
		t.Errorf("ReadBlock after commit = %q, want %q", got, "hello world12345")
	}
}

func TestCancelDropsChanges(t *testing.T) {
	m := newTestMount()

	tx, err := Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	b, err := tx.GetBuf(7, 4)
	if err != nil {
		t.Fatalf("GetBuf: %v", err)
	}
	copy(b.Data, []byte("nope"))
	if err := tx.LogBuf(b, 0, 3); err != nil {
		t.Fatalf("LogBuf: %v", err)
	}
	tx.Cancel()

	got, err := m.IO.ReadBlock(7, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for _, c := range got {
		if c != 0 {
			t.Fatalf("ReadBlock after cancel = %q, want untouched zero block", got)
		}
	}
}

func TestBInvalSkipsWriteback(t *testing.T) {
	m := newTestMount()

	tx, _ := Begin(m)
	b, _ := tx.GetBuf(9, 4)
	copy(b.Data, []byte("data"))
	_ = tx.LogBuf(b, 0, 3)
	tx.BInval(b)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, _ := m.IO.ReadBlock(9, 4)
	for _, c := range got {
		if c != 0 {
			t.Fatalf("BInval'd buffer was written back: %q", got)
		}
	}
}

func TestShutdownRejectsNewTransactions(t *testing.T) {
	m := newTestMount()
	m.Shutdown()
	if _, err := Begin(m); err == nil {
		t.Errorf("Begin succeeded after Shutdown")
	}
}

func TestSyncCommitForcesLog(t *testing.T) {
	m := newTestMount()
	tx, _ := Begin(m)
	b, _ := tx.GetBuf(1, 4)
	copy(b.Data, []byte("sync"))
	_ = tx.LogBuf(b, 0, 3)
	tx.MakeSync()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	lm := m.Log.(*InMemoryLog)
	recs := lm.Records()
	if len(recs) != 1 || !recs[0].Sync {
		t.Errorf("expected one sync log record, got %+v", recs)
	}
}
