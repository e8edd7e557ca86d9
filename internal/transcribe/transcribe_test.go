// SPDX-License-Identifier: MIT

//go:build unix

package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbost130/transcription-palantir-sub001/internal/model"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-whisper.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) // #nosec G306
	return path
}

func newRequest(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "meeting.mp3")
	require.NoError(t, os.WriteFile(input, []byte("not really audio"), 0o600))
	return Request{JobID: "j1", InputPath: input, OutputDir: t.TempDir()}
}

func jobErr(t *testing.T, err error) *model.JobError {
	t.Helper()
	require.Error(t, err)
	var je *model.JobError
	require.True(t, model.AsJobError(err, &je), "not a JobError: %v", err)
	return je
}

func TestTranscribeSuccess(t *testing.T) {
	script := writeScript(t, `printf 'transcribed text' > "$2"`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})
	req := newRequest(t)

	res, err := c.Transcribe(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, OutputPath(req.OutputDir, req.InputPath), res.TranscriptPath)

	body, err := os.ReadFile(res.TranscriptPath)
	require.NoError(t, err)
	require.Equal(t, "transcribed text", string(body))
}

func TestTranscribeCrashCapturesStderr(t *testing.T) {
	script := writeScript(t, `echo "model load failed" >&2; exit 3`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})

	_, err := c.Transcribe(context.Background(), newRequest(t))
	je := jobErr(t, err)
	require.Equal(t, model.ErrWhisperCrash, je.Code)
	require.Contains(t, je.Reason, "exit code 3")
	require.Contains(t, je.Reason, "model load failed")
}

func TestTranscribeBinaryNotFound(t *testing.T) {
	c := New([]string{"/nonexistent/whisper-bin", PlaceholderInput, PlaceholderOutput})

	_, err := c.Transcribe(context.Background(), newRequest(t))
	je := jobErr(t, err)
	require.Equal(t, model.ErrWhisperNotFound, je.Code)
}

func TestTranscribeCancelKillsProcess(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})
	c.grace = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Transcribe(ctx, newRequest(t))
	je := jobErr(t, err)
	require.Equal(t, model.ErrWhisperTimeout, je.Code)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestTranscribeEmptyTranscript(t *testing.T) {
	script := writeScript(t, `: > "$2"`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})

	_, err := c.Transcribe(context.Background(), newRequest(t))
	je := jobErr(t, err)
	require.Equal(t, model.ErrWhisperInvalidOutput, je.Code)
}

func TestTranscribeMissingTranscript(t *testing.T) {
	script := writeScript(t, `exit 0`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})

	_, err := c.Transcribe(context.Background(), newRequest(t))
	je := jobErr(t, err)
	require.Equal(t, model.ErrWhisperInvalidOutput, je.Code)
}

func TestTranscribeSourceMissing(t *testing.T) {
	script := writeScript(t, `exit 0`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})

	req := Request{InputPath: filepath.Join(t.TempDir(), "gone.mp3"), OutputDir: t.TempDir()}
	_, err := c.Transcribe(context.Background(), req)
	je := jobErr(t, err)
	require.Equal(t, model.ErrFileNotFound, je.Code)
}

func TestTranscribeParsesProgress(t *testing.T) {
	script := writeScript(t, `
echo "progress = 25%" >&2
echo "progress = 80%" >&2
printf 'done' > "$2"`)
	c := New([]string{script, PlaceholderInput, PlaceholderOutput})

	var (
		mu   sync.Mutex
		seen []int
	)
	req := newRequest(t)
	req.Progress = func(p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}

	_, err := c.Transcribe(context.Background(), req)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{25, 80}, seen)
}

func TestProbeReturnsFirstLine(t *testing.T) {
	script := writeScript(t, `echo "whisper.cpp v1.5.4"; echo "built with ggml"`)
	c := New([]string{script})

	version, err := c.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, "whisper.cpp v1.5.4", version)
}

func TestOutputPath(t *testing.T) {
	require.Equal(t, "/out/meeting.txt", OutputPath("/out", "/in/sub/meeting.mp3"))
	require.Equal(t, "/out/noext.txt", OutputPath("/out", "/in/noext"))
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789"))
	require.Equal(t, "23456789", tb.String())

	_, _ = tb.Write([]byte("ab"))
	require.Equal(t, "456789ab", tb.String())
}

func TestExpandReplacesAllPlaceholders(t *testing.T) {
	c := New([]string{"bin", "-f", PlaceholderInput, "-od", PlaceholderOutputDir, "-of", PlaceholderOutput})
	argv := c.expand("/in/a.mp3", "/out", "/out/a.txt")
	require.Equal(t, []string{"bin", "-f", "/in/a.mp3", "-od", "/out", "-of", "/out/a.txt"}, argv)
	require.False(t, strings.Contains(strings.Join(argv, " "), "{"))
}
