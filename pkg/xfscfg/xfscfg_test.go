package xfscfg

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoConfigFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/does/not/exist.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, defaults.BlockLog, cfg.BlockLog)
	assert.Equal(t, defaults.AgBlocksLog, cfg.AgBlocksLog)
	assert.Equal(t, defaults.InodeLog, cfg.InodeLog)
	assert.Equal(t, defaults.AgCount, cfg.AgCount)
	assert.NoError(t, cfg.Validate())
}

func TestFlagsOverrideDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--ag-count=4", "--uquota"}))

	cfg, err := Load("/does/not/exist.yaml", fs)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cfg.AgCount)
	assert.True(t, cfg.UserQuota)
}

func TestGeometryDerivesAgBlocksFromLog(t *testing.T) {
	cfg := &Config{BlockLog: 12, AgBlocksLog: 10, InodeLog: 8, AgCount: 2}
	geo := cfg.Geometry()
	assert.EqualValues(t, 1<<10, geo.AgBlocks)
	assert.Equal(t, cfg.AgCount, geo.AgCount)
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	bad := []*Config{
		{BlockLog: 8, AgBlocksLog: 1, InodeLog: 8, AgCount: 1},  // block-log too small
		{BlockLog: 12, AgBlocksLog: 1, InodeLog: 12, AgCount: 1}, // inode-log >= block-log
		{BlockLog: 12, AgBlocksLog: 1, InodeLog: 8, AgCount: 0},  // zero AGs
		{BlockLog: 12, AgBlocksLog: 0, InodeLog: 8, AgCount: 1},  // zero ag-blocks-log
	}
	for _, cfg := range bad {
		assert.Error(t, cfg.Validate(), "%+v should be rejected", cfg)
	}
}
