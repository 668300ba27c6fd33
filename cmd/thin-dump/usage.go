// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/spacemap"
)

// reportUsage reads the data space map's recorded counters and
// independently walks its bitmap blocks, then prints both so a
// mismatch between the two is visible instead of silently trusted.
// It doesn't participate in a dump; like --debug-block, it's a
// diagnostic path that bypasses dumping entirely.
func reportUsage(ctx context.Context, path string, snapLoc int64) error {
	eng, err := ioengine.Open(ctx, path, ioengine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	loc := uint64(0)
	if snapLoc >= 0 {
		loc = uint64(snapLoc)
	}
	sbBuf, err := eng.Read(ctx, loc)
	if err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}
	if typ, err := checksum.Classify(loc, sbBuf); err != nil || typ != checksum.SuperblockThin {
		return fmt.Errorf("block %d is not a thin superblock", loc)
	}
	var sb unpack.Superblock
	if _, err := binpack.Unmarshal(sbBuf, &sb); err != nil {
		return fmt.Errorf("decode superblock: %w", err)
	}

	smRootLoc := uint64(sb.DataSpaceMapRoot)
	smBuf, err := eng.Read(ctx, smRootLoc)
	if err != nil {
		return fmt.Errorf("read data space map root %d: %w", smRootLoc, err)
	}
	smRoot, err := unpack.UnpackSMRoot(smBuf[32:])
	if err != nil {
		return fmt.Errorf("decode data space map root: %w", err)
	}

	allocated, err := spacemap.AllocatedBlocks(ctx, eng, smRootLoc, uint64(smRoot.NrBlocks))
	if err != nil {
		return fmt.Errorf("walk data space map: %w", err)
	}
	walked := allocated.GetCardinality()

	fmt.Fprintf(os.Stdout, "nr_blocks:          %d\n", smRoot.NrBlocks)
	fmt.Fprintf(os.Stdout, "nr_allocated (sb):  %d\n", smRoot.NrAllocated)
	fmt.Fprintf(os.Stdout, "nr_allocated (walk): %d\n", walked)
	if walked != uint64(smRoot.NrAllocated) {
		fmt.Fprintf(os.Stdout, "mismatch: superblock counter and bitmap walk disagree\n")
	}
	return nil
}
