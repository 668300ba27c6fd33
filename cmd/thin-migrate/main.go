// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command thin-migrate copies a thin device's live data blocks to a
// new destination, skipping unallocated (hole) regions.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/profile"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/btree"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/migrate"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/textui"
)

func main() {
	os.Exit(textui.ToExitCode("thin_migrate", run(os.Args[1:])))
}

func run(args []string) error {
	var (
		metadataPath string
		sourcePath   string
		destPath     string
		create       bool
		thinID       uint64
		virtualSize  uint64
		bufferSize   uint64
		noDirect     bool
		quiet        bool
		logLevel     = textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	)

	cmd := &cobra.Command{
		Use:           "thin-migrate",
		Short:         "Copy a thin device's live data to a new destination",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevel.Level))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("main", func(ctx context.Context) error {
				defer func() {
					if err := stopProfiles(); err != nil {
						dlog.Errorf(ctx, "stop profiling: %v", err)
					}
				}()
				return doMigrate(ctx, migrateArgs{
					metadataPath: metadataPath,
					sourcePath:   sourcePath,
					destPath:     destPath,
					create:       create,
					thinID:       thinID,
					virtualSize:  virtualSize,
					bufferSize:   bufferSize,
					direct:       !noDirect,
					quiet:        quiet,
				})
			})
			return grp.Wait()
		},
	}

	flags := cmd.Flags()
	flags.Var(&logLevel, "verbosity", "set the log verbosity")
	stopProfiles := profile.AddProfileFlags(flags, "profile.")
	flags.StringVar(&metadataPath, "metadata", "", "path to the pool's metadata device")
	flags.StringVar(&sourcePath, "source", "", "path to the thin device's data")
	flags.StringVar(&destPath, "dest", "", "path to the destination device or file")
	flags.BoolVar(&create, "create", false, "create the destination file and truncate it to the source length")
	flags.Uint64Var(&thinID, "dev-id", 0, "thin device `id` to migrate")
	flags.Uint64Var(&virtualSize, "virtual-size", 0, "thin device size in data blocks; 0 derives it from the highest mapped block")
	flags.Uint64Var(&bufferSize, "buffer-size", 0, "copy batch size in bytes; 0 selects a default")
	flags.BoolVar(&noDirect, "no-direct", false, "don't use O_DIRECT|O_EXCL (for testing against plain files)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	for _, name := range []string{"metadata", "source", "dest"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	cmd.SetArgs(args)
	return cmd.Execute()
}

type migrateArgs struct {
	metadataPath string
	sourcePath   string
	destPath     string
	create       bool
	thinID       uint64
	virtualSize  uint64
	bufferSize   uint64
	direct       bool
	quiet        bool
}

func doMigrate(ctx context.Context, args migrateArgs) error {
	report := textui.NewSimpleReport(os.Stderr)
	if args.quiet {
		report = textui.NewQuietReport()
	}

	metaEng, err := ioengine.Open(ctx, args.metadataPath, ioengine.Options{Direct: args.direct})
	if err != nil {
		return err
	}
	defer metaEng.Close()

	sb, err := readRawSuperblock(ctx, metaEng)
	if err != nil {
		return err
	}
	blockSizeBytes := uint64(sb.DataBlockSize) * 512

	mappingRoot, err := findDeviceMappingRoot(ctx, metaEng, uint64(sb.DataMappingRoot), args.thinID)
	if err != nil {
		return err
	}

	virtualBlocks := args.virtualSize
	if virtualBlocks == 0 {
		maxKey, found, err := subtreeMaxKey(ctx, metaEng, mappingRoot)
		if err != nil {
			return err
		}
		if found {
			virtualBlocks = maxKey + 1
			report.Info("--virtual-size not given, derived %d blocks from the highest mapped block", virtualBlocks)
		}
	}

	progress := textui.NewProgress[migrate.Stats](ctx, dlog.LogLevelInfo, time.Second)
	defer progress.Done()

	err = migrate.Migrate(ctx, migrate.Options{
		MetadataEngine: metaEng,
		MappingRoot:    mappingRoot,
		DataBlockSize:  blockSizeBytes,
		VirtualBlocks:  virtualBlocks,
		SourcePath:     args.sourcePath,
		Dest: migrate.Dest{
			Kind:   migrate.DestFile,
			Path:   args.destPath,
			Create: args.create,
		},
		BufferSize: args.bufferSize,
		Direct:     args.direct,
		Progress:   progress,
	})
	if err != nil {
		report.Fatal("%v", err)
		return err
	}
	return nil
}

func readRawSuperblock(ctx context.Context, eng ioengine.Engine) (unpack.Superblock, error) {
	buf, err := eng.Read(ctx, 0)
	if err != nil {
		return unpack.Superblock{}, fmt.Errorf("read superblock: %w", err)
	}
	if typ, err := checksum.Classify(0, buf); err != nil || typ != checksum.SuperblockThin {
		return unpack.Superblock{}, fmt.Errorf("block 0 is not a thin superblock")
	}
	var sb unpack.Superblock
	if _, err := binpack.Unmarshal(buf, &sb); err != nil {
		return unpack.Superblock{}, fmt.Errorf("decode superblock: %w", err)
	}
	return sb, nil
}

func decodeChildLoc(buf []byte) (uint64, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("short mapping-root value: %d bytes", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// findDeviceMappingRoot locates thinID's per-device mapping subtree
// root in the top-level mapping tree rooted at topRoot.
func findDeviceMappingRoot(ctx context.Context, eng ioengine.Engine, topRoot, thinID uint64) (uint64, error) {
	var root uint64
	var found bool
	visit := func(_ btree.Path, _ btree.KeyRange, _ unpack.NodeHeader, keys []uint64, values []uint64) btree.Visit {
		for i, k := range keys {
			if k == thinID {
				root = values[i]
				found = true
				return btree.VisitStop
			}
		}
		return btree.VisitContinue
	}
	if err := btree.WalkLeaves(ctx, eng, topRoot, decodeChildLoc, visit, btree.Options{}); err != nil {
		return 0, fmt.Errorf("walk top-level mapping tree: %w", err)
	}
	if !found {
		return 0, fmt.Errorf("no thin device with id %d", thinID)
	}
	return root, nil
}

func decodeBlockTime(buf []byte) (unpack.BlockTime, error) {
	if len(buf) < 8 {
		return unpack.BlockTime{}, fmt.Errorf("short mapping value: %d bytes", len(buf))
	}
	return unpack.UnpackBlockTime(binary.LittleEndian.Uint64(buf)), nil
}

// subtreeMaxKey returns the highest thin_block key present in the
// per-device mapping subtree rooted at loc.
func subtreeMaxKey(ctx context.Context, eng ioengine.Engine, loc uint64) (uint64, bool, error) {
	var max uint64
	var found bool
	visit := func(_ btree.Path, _ btree.KeyRange, _ unpack.NodeHeader, keys []uint64, _ []unpack.BlockTime) btree.Visit {
		if len(keys) > 0 {
			max = keys[len(keys)-1]
			found = true
		}
		return btree.VisitContinue
	}
	if err := btree.WalkLeaves(ctx, eng, loc, decodeBlockTime, visit, btree.Options{}); err != nil {
		return 0, false, fmt.Errorf("walk device mapping subtree: %w", err)
	}
	return max, found, nil
}
