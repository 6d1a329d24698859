package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/vidflow/internal/transcode"
)

func resolveSpec(t *testing.T, preset string) transcode.Spec {
	t.Helper()
	resolver, err := transcode.NewDefaultResolver()
	require.NoError(t, err)
	spec, err := resolver.Resolve(transcode.Request{InputLocator: "in.mp4", Preset: preset})
	require.NoError(t, err)
	return spec
}

// writeScript installs an executable shell script standing in for ffmpeg or
// ffprobe.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestBuildArgs(t *testing.T) {
	spec := resolveSpec(t, "720p30av1")

	args := BuildArgs(spec, "/work/in.mp4", "/work/out.mp4")
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", "/work/in.mp4",
		"-vf", "scale=1280:720,fps=30",
		"-c:v", "libsvtav1",
		"-crf", "32",
		"-preset", "8",
		"-pix_fmt", "yuv420p10le",
		"-progress", "pipe:1",
		"-nostats",
		"/work/out.mp4",
	}, args)
}

func TestInvocationStringQuotesSpaces(t *testing.T) {
	inv := Invocation{Path: "ffmpeg", Args: []string{"-i", "/tmp/my clip.mp4", "-y"}}
	assert.Equal(t, `ffmpeg -i "/tmp/my clip.mp4" -y`, inv.String())
}

func TestParseProgressEmitsOneEventPerBlock(t *testing.T) {
	input := strings.Join([]string{
		"frame=30",
		"fps=29.97",
		"bitrate=1200.5kbits/s",
		"out_time_us=1000000",
		"speed=1.2x",
		"progress=continue",
		"frame=60",
		"fps=30.00",
		"out_time_ms=2000000",
		"progress=end",
		"",
	}, "\n")

	var events []Event
	parseProgress(strings.NewReader(input), func(ev Event) { events = append(events, ev) })

	require.Len(t, events, 2)
	assert.Equal(t, EventProgress, events[0].Kind)
	assert.Equal(t, int64(30), events[0].Frame)
	assert.InDelta(t, 29.97, events[0].FPS, 0.001)
	assert.Equal(t, "1200.5kbits/s", events[0].Bitrate)
	assert.Equal(t, time.Second, events[0].OutTime)
	assert.Equal(t, "1.2x", events[0].Speed)
	assert.Equal(t, int64(60), events[1].Frame)
	assert.Equal(t, 2*time.Second, events[1].OutTime)
}

func TestStartStreamsProgressThenCompleted(t *testing.T) {
	script := writeScript(t, `
echo "frame=10"
echo "out_time_us=500000"
echo "progress=continue"
echo "frame=20"
echo "out_time_us=1000000"
echo "progress=end"
exit 0
`)
	ff := New(script, "")

	run, err := ff.Start(context.Background(), Invocation{Path: script})
	require.NoError(t, err)

	var kinds []EventKind
	for ev := range run.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.NoError(t, run.Wait())
	assert.Equal(t, []EventKind{EventProgress, EventProgress, EventCompleted}, kinds)
}

func TestStartReportsFailureAsTerminalEvent(t *testing.T) {
	script := writeScript(t, `
echo "frame=1"
echo "progress=continue"
echo "Invalid data found when processing input" >&2
exit 3
`)
	ff := New(script, "")

	run, err := ff.Start(context.Background(), Invocation{Path: script, Args: []string{"-i", "broken.mp4"}})
	require.NoError(t, err)

	var last Event
	count := 0
	for ev := range run.Events() {
		last = ev
		count++
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, EventFailed, last.Kind)
	require.Error(t, last.Err)

	waitErr := run.Wait()
	var exitErr *ExitError
	require.True(t, errors.As(waitErr, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "Invalid data found")
	assert.Contains(t, exitErr.Invocation.String(), "broken.mp4")
}

func TestStartWaitWithoutDrainingEvents(t *testing.T) {
	var body strings.Builder
	for i := 0; i < 200; i++ {
		body.WriteString("echo \"frame=1\"\necho \"progress=continue\"\n")
	}
	script := writeScript(t, body.String())

	run, err := New(script, "").Start(context.Background(), Invocation{Path: script})
	require.NoError(t, err)
	require.NoError(t, run.Wait())

	var last Event
	for ev := range run.Events() {
		last = ev
	}
	assert.Equal(t, EventCompleted, last.Kind)
}

func TestStartMissingBinary(t *testing.T) {
	ff := New(filepath.Join(t.TempDir(), "does-not-exist"), "")
	_, err := ff.Start(context.Background(), Invocation{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	require.Error(t, err)
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{
  "streams": [
    {"codec_type": "audio", "codec_name": "aac"},
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.480000"}
}`))
	require.NoError(t, err)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.Equal(t, "h264", info.VideoCodec)
	assert.InDelta(t, 12.48, info.DurationSeconds, 0.0001)
}

func TestProbeRunsFFprobe(t *testing.T) {
	script := writeScript(t, `
cat <<'EOF'
{"streams":[{"codec_type":"video","codec_name":"vp9","width":640,"height":360}],"format":{"format_name":"matroska,webm","duration":"3.0"}}
EOF
`)
	info, err := New("", script).Probe(context.Background(), "clip.webm")
	require.NoError(t, err)
	assert.Equal(t, "vp9", info.VideoCodec)
	assert.Equal(t, 640, info.Width)
}

func TestProbeFailure(t *testing.T) {
	script := writeScript(t, `echo "clip.webm: No such file or directory" >&2; exit 1`)
	_, err := New("", script).Probe(context.Background(), "clip.webm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such file")
}

func TestReplay(t *testing.T) {
	run := Replay([]Event{{Frame: 10}, {Frame: 20}}, errors.New("encoder died"))

	var kinds []EventKind
	for ev := range run.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventProgress, EventProgress, EventFailed}, kinds)
	assert.EqualError(t, run.Wait(), "encoder died")

	ok := Replay(nil, nil)
	assert.NoError(t, ok.Wait())
	last := <-ok.Events()
	assert.Equal(t, EventCompleted, last.Kind)
}
