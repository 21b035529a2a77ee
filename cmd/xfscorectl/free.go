package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

var freeCmd = &cobra.Command{
	Use:   "free <image-path> <agno> <bno> <len>",
	Short: "Free an extent back into one AG's free space and commit it",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		geo := cfg.Geometry()

		agno, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return err
		}
		bno, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return err
		}
		length, err := strconv.ParseUint(args[3], 10, 32)
		if err != nil {
			return err
		}

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

		ag, err := alloc.OpenAG(tx, geo, xfscore.AgNumber(agno))
		if err != nil {
			tx.Cancel()
			return err
		}

		if err := ag.FreeExtentHelper(xfscore.AgBno(bno), xfscore.ExtLen(length)); err != nil {
			tx.Cancel()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Infof("freed AG %d, bno %d, len %d", agno, bno, length)
		return nil
	},
}
