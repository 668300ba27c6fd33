// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/binpack"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/checksum"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/unpack"
)

// debugBlock reads one block, classifies it, unpacks it as far as its
// type is generically known, and pretty-prints the result. It doesn't
// participate in a dump; it's a diagnostic aid for inspecting a single
// block while debugging corrupt metadata.
func debugBlock(ctx context.Context, path string, loc uint64) error {
	eng, err := ioengine.Open(ctx, path, ioengine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	buf, err := eng.Read(ctx, loc)
	if err != nil {
		return fmt.Errorf("read block %d: %w", loc, err)
	}
	typ, classifyErr := checksum.Classify(loc, buf)

	cfg := spew.NewDefaultConfig()
	cfg.DisablePointerAddresses = true

	fmt.Fprintf(os.Stdout, "block %d: type=%s", loc, typ)
	if classifyErr != nil {
		fmt.Fprintf(os.Stdout, " (checksum: %v)", classifyErr)
	}
	fmt.Fprintln(os.Stdout)

	switch typ {
	case checksum.SuperblockThin:
		var sb unpack.Superblock
		if _, err := binpack.Unmarshal(buf, &sb); err != nil {
			return fmt.Errorf("decode superblock: %w", err)
		}
		cfg.Fdump(os.Stdout, sb)
	case checksum.Node:
		var hdr unpack.NodeHeader
		if _, err := binpack.Unmarshal(buf, &hdr); err != nil {
			return fmt.Errorf("decode node header: %w", err)
		}
		cfg.Fdump(os.Stdout, hdr)
	case checksum.SpaceMapBitmap:
		bm, err := unpack.UnpackBitmap(buf)
		if err != nil {
			return fmt.Errorf("decode bitmap: %w", err)
		}
		cfg.Fdump(os.Stdout, bm)
	case checksum.SpaceMapIndex:
		fmt.Fprintln(os.Stdout, "(index block entries are only decodable in the context of a space-map root; showing raw header only)")
	default:
		fmt.Fprintln(os.Stdout, "(unrecognized block type, nothing more to decode)")
	}
	return nil
}
