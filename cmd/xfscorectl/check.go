package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
	"golang.org/x/sync/errgroup"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/ialloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

var checkCmd = &cobra.Command{
	Use:   "check <image-path>",
	Short: "Verify free-space and inode-allocator invariants across every AG",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		geo := cfg.Geometry()

		dev, err := txn.OpenFileDevice(args[0], geo.BlockSize(), false)
		if err != nil {
			return err
		}
		defer dev.Close()

		mount := txn.NewMount(0, dev, txn.NewInMemoryLog(), log)
		tx, err := txn.Begin(mount)
		if err != nil {
			return err
		}
		defer tx.Cancel()

		sb, err := readSuperblock(tx, geo)
		if err != nil {
			return err
		}
		log.Infof("checking %s: %d AGs, uuid=%s", args[0], sb.AgCount, uuid.UUID(sb.UUID))

		progress := mpb.New(mpb.WithWidth(64))
		g, _ := errgroup.WithContext(context.Background())

		results := make([]error, sb.AgCount)
		for i := uint32(0); i < sb.AgCount; i++ {
			agno := xfscore.AgNumber(i)
			bar := progress.AddBar(5,
				mpb.PrependDecorators(decor.Name(fmt.Sprintf("AG %d", agno), decor.WC{W: 8})),
				mpb.AppendDecorators(decor.Percentage()),
			)
			idx := i
			g.Go(func() error {
				dup, err := tx.Dup()
				if err != nil {
					results[idx] = err
					bar.Abort(false)
					return nil
				}
				results[idx] = checkAG(dup, geo, agno, bar)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		progress.Wait()

		var failed int
		for i, err := range results {
			if err != nil {
				failed++
				fmt.Println(color.RedString("AG %d: FAIL: %v", i, err))
			} else {
				fmt.Println(color.GreenString("AG %d: OK", i))
			}
		}
		if failed > 0 {
			return errors.Errorf("check: %d of %d AGs failed", failed, sb.AgCount)
		}
		return nil
	},
}

// checkAG verifies P1, P2, P4, P6, and P7 (spec.md §8) against one AG,
// advancing bar by one step per property checked.
func checkAG(tx *txn.Transaction, geo xfscore.Geometry, agno xfscore.AgNumber, bar *mpb.Bar) error {
	ag, err := alloc.OpenAG(tx, geo, agno)
	if err != nil {
		return errors.Wrapf(err, "AG %d: open", agno)
	}
	bar.Increment()

	var sum xfscore.ExtLen
	var longest xfscore.ExtLen
	var prevEnd xfscore.AgBno
	var havePrev bool
	if err := ag.WalkFreeExtents(func(rec xfscore.FreeExtentRec) error {
		sum += rec.BlockCount
		if rec.BlockCount > longest {
			longest = rec.BlockCount
		}
		if havePrev && uint32(rec.StartBlock) <= uint32(prevEnd) {
			return errors.Errorf("P4 violated: adjacent/overlapping free records at %d", rec.StartBlock)
		}
		prevEnd = rec.StartBlock + xfscore.AgBno(rec.BlockCount)
		havePrev = true
		return nil
	}); err != nil {
		return err
	}
	bar.Increment()

	if sum != ag.FreeBlocks() {
		return errors.Errorf("P1 violated: agf.freeblks=%d, sum of free extents=%d", ag.FreeBlocks(), sum)
	}
	if longest != ag.Longest() {
		return errors.Errorf("P2 violated: agf.longest=%d, max free extent=%d", ag.Longest(), longest)
	}
	flCount, bnoLevels, cntLevels := ag.FreelistCounts()
	if flCount < bnoLevels+cntLevels+2 {
		return errors.Errorf("P7 violated: agf.flcount=%d < levels[bno]+levels[cnt]+2=%d",
			flCount, bnoLevels+cntLevels+2)
	}
	bar.Increment()

	agi, err := ialloc.OpenAGI(tx, ag, geo, agno)
	if err != nil {
		return errors.Wrapf(err, "AG %d: open AGI", agno)
	}
	bar.Increment()

	if err := agi.WalkChunks(func(rec xfscore.InodeChunkRec) error {
		if int(rec.FreeCount) != popcount64(rec.Free) {
			return errors.Errorf("P6 violated: chunk startino=%d freecount=%d popcount(free)=%d",
				rec.StartIno, rec.FreeCount, popcount64(rec.Free))
		}
		return nil
	}); err != nil {
		return err
	}
	bar.Increment()
	return nil
}

func popcount64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}

func readSuperblock(tx *txn.Transaction, geo xfscore.Geometry) (*xfscore.Superblock, error) {
	buf, err := tx.ReadBuf(0, int(geo.BlockSize()))
	if err != nil {
		return nil, err
	}
	sb := &xfscore.Superblock{}
	if err := xfscore.Decode(buf.Data, sb); err != nil {
		return nil, err
	}
	if sb.Magic != xfscore.SBMagic {
		return nil, errors.Wrap(xfscore.ErrCorrupt, "check: bad superblock magic")
	}
	return sb, nil
}
