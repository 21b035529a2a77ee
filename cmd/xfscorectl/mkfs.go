package main

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/ialloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

const rootIno = 128

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image-path>",
	Short: "Format a new xfscore image at the given path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		geo := cfg.Geometry()

		dev, err := txn.OpenFileDevice(args[0], geo.BlockSize(), true)
		if err != nil {
			return err
		}
		defer dev.Close()

		totalBlocks := int64(geo.AgCount) * int64(geo.AgBlocks)
		if err := dev.Truncate(totalBlocks * geo.BlockSize()); err != nil {
			return err
		}

		mount := txn.NewMount(0, dev, txn.NewInMemoryLog(), log)
		tx, err := txn.Begin(mount)
		if err != nil {
			return err
		}

		for agno := xfscore.AgNumber(0); agno < xfscore.AgNumber(geo.AgCount); agno++ {
			log.Infof("formatting AG %d/%d", agno+1, geo.AgCount)
			ag, err := alloc.MkfsAG(tx, geo, agno, geo.AgBlocks)
			if err != nil {
				tx.Cancel()
				return err
			}
			if _, err := ialloc.MkfsAGI(tx, ag, geo, agno, geo.AgBlocks); err != nil {
				tx.Cancel()
				return err
			}
		}

		sb := xfscore.NewSuperblock(geo, rootIno, 0, 0)
		if err := writeSuperblock(tx, geo, sb); err != nil {
			tx.Cancel()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Infof("formatted %s: %d AGs, %d blocks each, uuid=%s", args[0], geo.AgCount, geo.AgBlocks, uuid.UUID(sb.UUID))
		return nil
	},
}

// writeSuperblock encodes sb into block 0 of the device, following the
// same GetBuf+Encode+LogBuf pattern alloc.AG.Save uses for the AGF.
func writeSuperblock(tx *txn.Transaction, geo xfscore.Geometry, sb *xfscore.Superblock) error {
	buf, err := tx.GetBuf(0, int(geo.BlockSize()))
	if err != nil {
		return err
	}
	enc, err := xfscore.Encode(sb)
	if err != nil {
		return err
	}
	copy(buf.Data, enc)
	return tx.LogBuf(buf, 0, len(enc)-1)
}
