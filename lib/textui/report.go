// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// Exit codes mirror original_source's to_exit_code: sysexits.h's
// EX_OK and EX_USAGE. original_source's FIXME notes it wants more
// granular codes than this; we don't have those either, so every
// failure maps to the same USAGE code.
const (
	ExitOK    = 0
	ExitUsage = 64
)

// IsBrokenPipe reports whether err is ultimately an EPIPE, the case
// where a downstream reader (commonly `head` or `less` in a pipeline)
// exited before consuming all of stdout.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}

// ToExitCode prints err to stderr as "prog: error: ...", unless err is
// a broken pipe (in which case nothing is printed, matching
// original_source's silent treatment of EPIPE), and returns the
// process exit code to use.
func ToExitCode(prog string, err error) int {
	if err == nil {
		return ExitOK
	}
	if !IsBrokenPipe(err) {
		fmt.Fprintf(os.Stderr, "%s: error: %v\n", prog, err)
	}
	return ExitUsage
}

// Report is the narrow progress/status-reporting surface core dump,
// repair, and migrate code needs: an informational line, a fatal
// error line, and a progress update. How those get rendered (or
// dropped) is the caller's concern, selected at construction time the
// way original_source's mk_report(quiet) picks a report style.
type Report struct {
	out     io.Writer
	quiet   bool
	bar     bool
	mu      sync.Mutex
	oldLine string
}

// NewQuietReport builds a Report that drops Info and progress lines
// entirely; Fatal still reaches stderr.
func NewQuietReport() *Report {
	return &Report{quiet: true}
}

// NewSimpleReport builds a Report that writes one line per Info call
// and one line per distinct progress value to out, with no
// overwriting, suited to non-interactive output (piped or redirected).
func NewSimpleReport(out io.Writer) *Report {
	return &Report{out: out}
}

// NewProgressReport builds a Report whose progress updates overwrite
// the current line with \r, suited to an interactive terminal.
func NewProgressReport(out io.Writer) *Report {
	return &Report{out: out, bar: true}
}

// Info writes an informational line; a no-op on a quiet Report.
func (r *Report) Info(format string, args ...any) {
	if r.quiet {
		return
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Fatal writes an error line to stderr regardless of quiet, mirroring
// original_source's report.fatal(), which is the last thing printed
// before the process exits non-zero.
func (r *Report) Fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// SetProgress reports done out of total units complete. Repeated
// calls with an unchanged rendering are dropped, the same
// no-op-on-unchanged-line check Progress[T].flush uses.
func (r *Report) SetProgress(done, total uint64) {
	if r.quiet {
		return
	}
	line := fmt.Sprintf("%d/%d", done, total)
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == r.oldLine {
		return
	}
	r.oldLine = line
	if r.bar {
		fmt.Fprintf(r.out, "\r%s", line)
	} else {
		fmt.Fprintln(r.out, line)
	}
}

// Done finalizes a progress-bar Report's current line with a trailing
// newline so subsequent Info/Fatal output doesn't land on top of it.
func (r *Report) Done() {
	if r.quiet || !r.bar {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.oldLine != "" {
		fmt.Fprintln(r.out)
	}
}
