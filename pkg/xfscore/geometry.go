package xfscore

// Fsb is a filesystem-wide block number. It is partitioned into
// (ag_no, ag_bno) by a single shift whose exponent is stored in the
// superblock (spec.md §3). Pointers that stay inside one AG are
// "short" (AgBno, fits in 32 bits); pointers that cross AG boundaries
// (bmbt, inode numbers) are "long" (Fsb, 64-bit capable).
type Fsb uint64

// AgNumber identifies an allocation group.
type AgNumber uint32

// AgBno is an AG-relative block number.
type AgBno uint32

// AgIno is an AG-relative inode number.
type AgIno uint32

// Ino is a filesystem-wide inode number.
type Ino uint64

// ExtLen is a block count (the length of an extent).
type ExtLen uint32

// Geometry carries the handful of exponents that the fsb<->(ag_no,
// ag_bno) split and every derived constant are built from. It plays
// the role of the teacher's unexported `constants` type in
// pkg/xfs/xfs.go, but the fields it needs are a strict subset (mkfs
// layout concerns like directory-block size and journal sizing belong
// to mkfs tooling, not to the core engine).
type Geometry struct {
	AgBlocksLog uint8 // log2(blocks per AG)
	BlockLog    uint8 // log2(block size in bytes)
	InodeLog    uint8 // log2(inode size in bytes)
	AgCount     uint32
	AgBlocks    uint32 // blocks in a full AG (last AG may be shorter)
}

// BlockSize returns the filesystem block size in bytes.
func (g Geometry) BlockSize() int64 { return 1 << g.BlockLog }

// InodeSize returns the inode-core-plus-literal-area size in bytes.
func (g Geometry) InodeSize() int64 { return 1 << g.InodeLog }

// InodesPerBlock returns how many inodes fit in one filesystem block.
func (g Geometry) InodesPerBlock() int64 { return 1 << (g.BlockLog - g.InodeLog) }

// AgBlockCount returns the nominal AG size in blocks (1 << AgBlocksLog).
func (g Geometry) AgBlockCount() int64 { return 1 << g.AgBlocksLog }

// Split decomposes a filesystem-wide block number into its AG number
// and AG-relative block number.
func (g Geometry) Split(fsb Fsb) (AgNumber, AgBno) {
	shift := g.AgBlocksLog
	return AgNumber(uint64(fsb) >> shift), AgBno(uint64(fsb) & ((1 << shift) - 1))
}

// Join recombines an AG number and AG-relative block number into a
// filesystem-wide block number. Mirrors pkg/xfs/xfs.go's blockNumber.
func (g Geometry) Join(ag AgNumber, bno AgBno) Fsb {
	return Fsb(uint64(ag)<<g.AgBlocksLog | uint64(bno))
}

// AgCountFor returns how many AGs are needed to cover dataBlocks
// filesystem blocks at this geometry's AG size, and the length (in
// blocks) of the final, possibly short, AG.
func (g Geometry) AgCountFor(dataBlocks int64) (count uint32, lastAgLen int64) {
	agSize := g.AgBlockCount()
	count = uint32(divide(dataBlocks, agSize))
	if count == 0 {
		count = 1
	}
	lastAgLen = dataBlocks - int64(count-1)*agSize
	if lastAgLen <= 0 {
		lastAgLen = agSize
	}
	return count, lastAgLen
}

// InoToAgIno splits a filesystem-wide inode number into the AG it
// lives in and its AG-relative inode number, mirroring
// pkg/xfs/xfs.go's translateAbsoluteInodeNumber/inodeNumber pair but
// without the mkfs-time journal/metadata offset hacks that function
// carried (those belong to the image compiler, not the live engine).
func (g Geometry) InoToAgIno(ino Ino) (AgNumber, AgIno) {
	bits := g.AgBlocksLog + (g.BlockLog - g.InodeLog)
	return AgNumber(uint64(ino) >> bits), AgIno(uint64(ino) & (1<<bits - 1))
}

// AgInoToIno recombines an AG number and AG-relative inode number into
// a filesystem-wide inode number.
func (g Geometry) AgInoToIno(ag AgNumber, agino AgIno) Ino {
	bits := g.AgBlocksLog + (g.BlockLog - g.InodeLog)
	return Ino(uint64(ag)<<bits | uint64(agino))
}

func divide(x, y int64) int64 {
	return (x + y - 1) / y
}
