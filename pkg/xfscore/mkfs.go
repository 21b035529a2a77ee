package xfscore

import "github.com/google/uuid"

// NewSuperblock builds the superblock for a freshly formatted
// filesystem of the given geometry, stamping it with a random
// filesystem UUID the way mkfs.xfs does (spec.md §6's UUID field
// exists precisely to let tooling and quota/rt inode references agree
// on which filesystem they belong to).
func NewSuperblock(geo Geometry, rootIno, rtBitmapIno, rtSummaryIno Ino) *Superblock {
	return &Superblock{
		Magic:          SBMagic,
		Version:        1,
		BlockLog:       geo.BlockLog,
		SectorLog:      9,
		InodeLog:       geo.InodeLog,
		InodesPerBlkLg: uint8(geo.BlockLog - geo.InodeLog),
		AgCount:        geo.AgCount,
		AgBlocks:       geo.AgBlocks,
		UUID:           uuid.New(),
		RootIno:        rootIno,
		RtBitmapIno:    rtBitmapIno,
		RtSummaryIno:   rtSummaryIno,
	}
}
