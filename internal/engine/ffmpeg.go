// Package engine drives the external ffmpeg/ffprobe binaries.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dunamismax/vidflow/internal/transcode"
)

type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

func New(ffmpegPath, ffprobePath string) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// Invocation is one fully rendered engine command line.
type Invocation struct {
	Path string
	Args []string
}

func (i Invocation) String() string {
	parts := make([]string, 0, len(i.Args)+1)
	parts = append(parts, i.Path)
	for _, arg := range i.Args {
		if arg == "" || strings.ContainsAny(arg, " \t'\"") {
			arg = strconv.Quote(arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Invocation renders the command line that transcodes inputPath to outputPath.
func (f *FFmpeg) Invocation(spec transcode.Spec, inputPath, outputPath string) Invocation {
	return Invocation{Path: f.ffmpegPath, Args: BuildArgs(spec, inputPath, outputPath)}
}

func BuildArgs(spec transcode.Spec, inputPath, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
	}
	if chain := spec.FilterChain(); chain != "" {
		args = append(args, "-vf", chain)
	}
	args = append(args,
		"-c:v", spec.EngineCodecID,
		spec.QualityFlag, strconv.Itoa(spec.Quality),
		spec.SpeedFlag, spec.Speed,
	)
	args = append(args, spec.ExtraArgs...)
	args = append(args,
		"-progress", "pipe:1",
		"-nostats",
		outputPath,
	)
	return args
}

// ExitError carries the engine command and the tail of its stderr.
type ExitError struct {
	Invocation Invocation
	ExitCode   int
	Stderr     string
	Err        error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Invocation.Path, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Start launches the transcode and returns immediately. Progress and the
// final outcome are observed through the returned Run.
func (f *FFmpeg) Start(ctx context.Context, inv Invocation) (*Run, error) {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach engine stdout: %w", err)
	}
	stderr := newTailBuffer(4 << 10)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", inv.Path, err)
	}

	run := newRun()
	go func() {
		parseProgress(stdout, run.publish)

		err := cmd.Wait()
		if err != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			err = &ExitError{
				Invocation: inv,
				ExitCode:   exitCode,
				Stderr:     stderr.String(),
				Err:        err,
			}
		}
		run.finish(err)
	}()
	return run, nil
}

type ProbeInfo struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	VideoCodec      string  `json:"videoCodec"`
	FormatName      string  `json:"formatName"`
}

// Probe reads container and first video stream metadata with ffprobe.
func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ProbeInfo{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return ProbeInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbe(out)
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (ProbeInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	info := ProbeInfo{FormatName: out.Format.FormatName}
	if out.Format.Duration != "" {
		duration, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return ProbeInfo{}, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
		}
		info.DurationSeconds = duration
	}
	for _, stream := range out.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.VideoCodec = stream.CodecName
		break
	}
	return info, nil
}
