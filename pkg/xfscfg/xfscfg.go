// Package xfscfg binds the geometry and quota-enforcement settings the
// command layer needs to mkfs or open a filesystem to a config file
// and a flag set, the way cmd/vorteil's CLI binds its VCFG flags
// through viper (spec.md §6's superblock fields are the source of
// truth for what is configurable).
package xfscfg

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blocklayer/xfscore/pkg/xfscore"
)

const configFileName = "xfscorectl"

// Config is the subset of superblock/geometry fields an operator may
// choose at mkfs time, plus the quota enforcement flags SPEC_FULL.md's
// quota component reads at mount time.
type Config struct {
	BlockLog    uint8  `mapstructure:"block-log"`
	AgBlocksLog uint8  `mapstructure:"ag-blocks-log"`
	InodeLog    uint8  `mapstructure:"inode-log"`
	AgCount     uint32 `mapstructure:"ag-count"`

	StripeUnit  uint32 `mapstructure:"stripe-unit"`
	StripeWidth uint32 `mapstructure:"stripe-width"`

	UserQuota    bool `mapstructure:"uquota"`
	ProjectQuota bool `mapstructure:"pquota"`
}

// defaults mirror mkfs.xfs's own defaults: 4KiB blocks, 256-byte
// inodes, one AG unless the device is large enough to want more.
var defaults = Config{
	BlockLog:    12,
	AgBlocksLog: 20,
	InodeLog:    8,
	AgCount:     1,
}

// RegisterFlags attaches the mkfs geometry and quota flags to fs, the
// way cmd/vorteil's commandInit attaches persistent flags before any
// command runs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Uint8("block-log", defaults.BlockLog, "log2 of the filesystem block size in bytes")
	fs.Uint8("ag-blocks-log", defaults.AgBlocksLog, "log2 of the block count per allocation group")
	fs.Uint8("inode-log", defaults.InodeLog, "log2 of the inode record size in bytes")
	fs.Uint32("ag-count", defaults.AgCount, "number of allocation groups")
	fs.Uint32("stripe-unit", 0, "RAID stripe unit in blocks, 0 to disable stripe alignment")
	fs.Uint32("stripe-width", 0, "RAID stripe width in blocks, 0 to disable stripe alignment")
	fs.Bool("uquota", false, "enable user quota accounting")
	fs.Bool("pquota", false, "enable project quota accounting")
}

// Load resolves a Config from, in increasing priority: the built-in
// defaults, a config file (cfgFile if set, otherwise
// "xfscorectl.yaml" searched for in the current directory; a missing
// file of either kind is skipped), and finally fs's flags. It mirrors vconvert.initConfig's fall-through-to-
// defaults shape without vconvert's go-homedir dependency, since
// xfscorectl has no per-user config directory convention of its own.
func Load(cfgFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("block-log", defaults.BlockLog)
	v.SetDefault("ag-blocks-log", defaults.AgBlocksLog)
	v.SetDefault("inode-log", defaults.InodeLog)
	v.SetDefault("ag-count", defaults.AgCount)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "xfscfg: reading config file")
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "xfscfg: binding flags")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "xfscfg: decoding config")
	}
	return cfg, nil
}

// Geometry converts c into the xfscore.Geometry the engine consumes.
// AgBlocks is derived from AgBlocksLog; the last AG's true length is
// computed separately once the device size is known (spec.md §3).
func (c *Config) Geometry() xfscore.Geometry {
	return xfscore.Geometry{
		AgBlocksLog: c.AgBlocksLog,
		BlockLog:    c.BlockLog,
		InodeLog:    c.InodeLog,
		AgCount:     c.AgCount,
		AgBlocks:    1 << c.AgBlocksLog,
	}
}

// Validate checks the handful of invariants spec.md §6 places on
// geometry fields before they are used to format a filesystem.
func (c *Config) Validate() error {
	if c.BlockLog < 9 || c.BlockLog > 16 {
		return errors.Wrap(xfscore.ErrInvalid, "xfscfg: block-log must be in [9,16]")
	}
	if c.InodeLog < 8 || c.InodeLog >= c.BlockLog {
		return errors.Wrap(xfscore.ErrInvalid, "xfscfg: inode-log must be in [8,block-log)")
	}
	if c.AgCount == 0 {
		return errors.Wrap(xfscore.ErrInvalid, "xfscfg: ag-count must be at least 1")
	}
	if c.AgBlocksLog == 0 {
		return errors.Wrap(xfscore.ErrInvalid, "xfscfg: ag-blocks-log must be at least 1")
	}
	return nil
}
