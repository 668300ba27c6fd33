// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command thin-dump walks a thin-provisioning pool's binary metadata
// and emits it as XML or a human-readable rendering.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/pdata/ioengine"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/profile"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/dump"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/human"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/ir"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/metadata"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/repair"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/thin/xml"
	"github.com/device-mapper-utils/thin-provisioning-tools/lib/textui"
)

func main() {
	os.Exit(textui.ToExitCode("thin_dump", run(os.Args[1:])))
}

type overrideFlags struct {
	transactionID uint64
	dataBlockSize uint32
	nrDataBlocks  uint64
	haveTxn       bool
	haveDBS       bool
	haveNrData    bool
}

func (f *overrideFlags) toOverrides() dump.SuperblockOverrides {
	var out dump.SuperblockOverrides
	if f.haveTxn {
		out.TransactionID = &f.transactionID
	}
	if f.haveDBS {
		out.DataBlockSize = &f.dataBlockSize
	}
	if f.haveNrData {
		out.NrDataBlocks = &f.nrDataBlocks
	}
	return out
}

type dumpArgs struct {
	format       string
	devID        []uint64
	metadataSnap int64
	outPath      string
	quiet        bool
	repair       bool
	skipMappings bool
	overrides    dump.SuperblockOverrides
}

func run(args []string) error {
	var (
		format        string
		devID         []uint64
		metadataSnap  int64
		outPath       string
		quiet         bool
		repairFlag    bool
		skipMappings  bool
		debugBlockLoc int64
		showUsage     bool
		logLevel      = textui.LogLevelFlag{Level: dlog.LogLevelInfo}
		overrides     overrideFlags
	)

	cmd := &cobra.Command{
		Use:           "thin-dump INPUT",
		Short:         "Dump thin-provisioning pool metadata",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			overrides.haveTxn = flags.Changed("transaction-id")
			overrides.haveDBS = flags.Changed("data-block-size")
			overrides.haveNrData = flags.Changed("nr-data-blocks")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevel.Level))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("main", func(ctx context.Context) error {
				defer func() {
					if err := stopProfiles(); err != nil {
						dlog.Errorf(ctx, "stop profiling: %v", err)
					}
				}()
				if debugBlockLoc >= 0 {
					return debugBlock(ctx, args[0], uint64(debugBlockLoc))
				}
				if showUsage {
					return reportUsage(ctx, args[0], metadataSnap)
				}
				return doDump(ctx, args[0], dumpArgs{
					format:       format,
					devID:        devID,
					metadataSnap: metadataSnap,
					outPath:      outPath,
					quiet:        quiet,
					repair:       repairFlag,
					skipMappings: skipMappings,
					overrides:    overrides.toOverrides(),
				})
			})
			return grp.Wait()
		},
	}

	flags := cmd.Flags()
	flags.Var(&logLevel, "verbosity", "set the log verbosity")
	stopProfiles := profile.AddProfileFlags(flags, "profile.")
	flags.StringVarP(&format, "format", "f", "xml", "output format: xml or human_readable")
	flags.Uint64SliceVar(&devID, "dev-id", nil, "dump only the given thin device `id` (repeatable)")
	flags.Int64VarP(&metadataSnap, "metadata-snap", "m", -1, "read metadata from snapshot block `BLOCKNR` instead of the live superblock")
	flags.StringVarP(&outPath, "output", "o", "", "write to `FILE` instead of stdout")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress informational output")
	flags.BoolVarP(&repairFlag, "repair", "r", false, "attempt to repair the metadata before dumping")
	flags.BoolVar(&skipMappings, "skip-mappings", false, "omit device mappings, dumping only devices and their details")
	flags.Uint64Var(&overrides.transactionID, "transaction-id", 0, "override the superblock's transaction id")
	flags.Uint32Var(&overrides.dataBlockSize, "data-block-size", 0, "override the superblock's data block size (sectors)")
	flags.Uint64Var(&overrides.nrDataBlocks, "nr-data-blocks", 0, "override the data space map's block count")
	flags.Int64Var(&debugBlockLoc, "debug-block", -1, "read, classify, and pretty-print a single block `LOC`, then exit (bypasses dumping)")
	flags.BoolVar(&showUsage, "usage", false, "walk the data space map and report allocated-block counts, then exit (bypasses dumping)")

	cmd.SetArgs(args)
	return cmd.Execute()
}

func doDump(ctx context.Context, inputPath string, args dumpArgs) error {
	report := textui.NewSimpleReport(os.Stderr)
	if args.quiet {
		report = textui.NewQuietReport()
	}

	eng, err := ioengine.Open(ctx, inputPath, ioengine.Options{})
	if err != nil {
		return err
	}
	defer eng.Close()

	opts := dump.ThinDumpOptions{
		SkipMappings: args.skipMappings,
		SelectedDevs: args.devID,
		Overrides:    args.overrides,
	}
	if args.metadataSnap >= 0 {
		opts.MetadataSnapLocation = uint64(args.metadataSnap)
	}

	out, closeOut, err := openOutput(args.outPath)
	if err != nil {
		return err
	}
	defer closeOut()

	writer, err := newWriter(args.format, out)
	if err != nil {
		return err
	}

	if args.repair {
		needsRepair, err := repair.NeedsRepair(ctx, eng)
		if err != nil {
			return err
		}
		if needsRepair {
			report.Info("metadata needs repair, reconstructing roots before dumping")
		}
		result, err := repair.Repair(ctx, eng, repair.Options{Overrides: args.overrides})
		if err != nil {
			return fmt.Errorf("repair: %w", err)
		}
		return dumpRepaired(ctx, eng, writer, result, args)
	}

	if err := dump.Dump(ctx, eng, writer, opts); err != nil {
		report.Fatal("%v", err)
		return err
	}
	return nil
}

// dumpRepaired builds the logical model directly from a Repair
// result's reconstructed roots, bypassing the on-disk superblock's
// (possibly still broken) root pointers.
func dumpRepaired(ctx context.Context, eng ioengine.Engine, out ir.MetadataVisitor, result *repair.Result, args dumpArgs) error {
	var md metadata.Metadata
	var err error
	if args.skipMappings {
		md, err = metadata.BuildWithoutMappings(ctx, eng, result.DetailsRoot)
	} else {
		md, err = metadata.BuildWithDevices(ctx, eng, result.MappingRoot, result.DetailsRoot)
	}
	if err != nil {
		return fmt.Errorf("repair: build metadata: %w", err)
	}
	md = metadata.OptimiseMetadata(dump.FilterDevices(md, args.devID))
	return dump.DumpMetadata(ctx, eng, out, result.Superblock, md)
}

func newWriter(format string, out *os.File) (ir.MetadataVisitor, error) {
	switch format {
	case "xml", "":
		return xml.New(out), nil
	case "human_readable", "human":
		return human.New(out), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}
