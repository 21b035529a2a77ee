package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/blocklayer/xfscore/pkg/alloc"
	"github.com/blocklayer/xfscore/pkg/txn"
	"github.com/blocklayer/xfscore/pkg/xfscore"
)

var allocCmd = &cobra.Command{
	Use:   "alloc <image-path> <agno> <minlen> <maxlen>",
	Short: "Allocate an extent from one AG's free space and commit it",
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
		minLen, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return err
		}
		maxLen, err := strconv.ParseUint(args[3], 10, 32)
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

		result, err := ag.VExtentHelper(alloc.AllocArgs{
			Type:   alloc.AnySize,
			MinLen: xfscore.ExtLen(minLen),
			MaxLen: xfscore.ExtLen(maxLen),
		})
		if err != nil {
			tx.Cancel()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		log.Infof("allocated AG %d, bno %d, len %d", result.Agno, result.AgBno, result.Len)
		return nil
	},
}
