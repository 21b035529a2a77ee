package xfscore

import "testing"

func testGeometry() Geometry {
	return Geometry{
		AgBlocksLog: 10, // 1024 blocks per AG
		BlockLog:    12, // 4096-byte blocks
		InodeLog:    8,  // 256-byte inodes
		AgCount:     4,
		AgBlocks:    1024,
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	g := testGeometry()
	cases := []Fsb{0, 1, 1023, 1024, 1025, 4096, 4096*3 + 17}
	for _, fsb := range cases {
		ag, bno := g.Split(fsb)
		got := g.Join(ag, bno)
		if got != fsb {
			t.Errorf("Split/Join(%d) round-trip failed: got %d via (ag=%d,bno=%d)", fsb, got, ag, bno)
		}
	}
}

func TestSplitBoundary(t *testing.T) {
	g := testGeometry()
	ag, bno := g.Split(1024)
	if ag != 1 || bno != 0 {
		t.Errorf("Split(1024) = (%d,%d), want (1,0)", ag, bno)
	}
}

func TestInoAgInoRoundTrip(t *testing.T) {
	g := testGeometry()
	bits := g.AgBlocksLog + (g.BlockLog - g.InodeLog)
	max := Ino(1)<<bits - 1
	cases := []Ino{0, 1, max, max + 1, Ino(3) << bits}
	for _, ino := range cases {
		ag, agino := g.InoToAgIno(ino)
		got := g.AgInoToIno(ag, agino)
		if got != ino {
			t.Errorf("InoToAgIno/AgInoToIno(%d) round-trip failed: got %d", ino, got)
		}
	}
}

func TestAgCountFor(t *testing.T) {
	g := testGeometry()
	count, last := g.AgCountFor(1024*3 + 100)
	if count != 4 {
		t.Errorf("AgCountFor: count = %d, want 4", count)
	}
	if last != 100 {
		t.Errorf("AgCountFor: lastAgLen = %d, want 100", last)
	}
}

func TestAgCountForExact(t *testing.T) {
	g := testGeometry()
	count, last := g.AgCountFor(1024 * 4)
	if count != 4 {
		t.Errorf("AgCountFor exact: count = %d, want 4", count)
	}
	if last != 1024 {
		t.Errorf("AgCountFor exact: lastAgLen = %d, want 1024 (full AG, no remainder)", last)
	}
}
