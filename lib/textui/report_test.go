package textui_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/device-mapper-utils/thin-provisioning-tools/lib/textui"
)

func TestQuietReportDropsInfoAndProgress(t *testing.T) {
	t.Parallel()
	r := textui.NewQuietReport()
	r.Info("should not appear")
	r.SetProgress(1, 2)
	r.Done()
}

func TestSimpleReportWritesOneLinePerDistinctProgress(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := textui.NewSimpleReport(&buf)

	r.Info("starting %s", "up")
	r.SetProgress(1, 10)
	r.SetProgress(1, 10) // duplicate, dropped
	r.SetProgress(2, 10)

	assert.Equal(t, "starting up\n1/10\n2/10\n", buf.String())
}

func TestProgressReportOverwritesLineWithCarriageReturn(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := textui.NewProgressReport(&buf)

	r.SetProgress(1, 10)
	r.SetProgress(2, 10)
	r.Done()

	assert.Equal(t, "\r1/10\r2/10\n", buf.String())
}

func TestFatalAlwaysWritesRegardlessOfQuiet(t *testing.T) {
	t.Parallel()
	r := textui.NewQuietReport()
	// Fatal writes to stderr unconditionally; just confirm it doesn't panic.
	r.Fatal("disk on fire: %v", "too hot")
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stderr
	os.Stderr = w
	defer func() { os.Stderr = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestToExitCodeSuccessIsZeroWithNoOutput(t *testing.T) {
	var code int
	text := captureStderr(t, func() {
		code = textui.ToExitCode("thin_dump", nil)
	})
	assert.Equal(t, textui.ExitOK, code)
	assert.Empty(t, text)
}

func TestToExitCodeFailurePrintsAndReturnsUsage(t *testing.T) {
	var code int
	text := captureStderr(t, func() {
		code = textui.ToExitCode("thin_dump", errors.New("metadata is corrupt"))
	})
	assert.Equal(t, textui.ExitUsage, code)
	assert.Contains(t, text, "thin_dump: error: metadata is corrupt")
}

func TestToExitCodeBrokenPipeIsSilentButStillUsage(t *testing.T) {
	wrapped := fmt.Errorf("write output: %w", &os.PathError{Op: "write", Path: "/dev/stdout", Err: syscall.EPIPE})

	var code int
	text := captureStderr(t, func() {
		code = textui.ToExitCode("thin_dump", wrapped)
	})
	assert.Equal(t, textui.ExitUsage, code)
	assert.Empty(t, text)
}
