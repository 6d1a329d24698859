// Package dispatch launches one isolated worker unit per job.
package dispatch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/dunamismax/vidflow/internal/telemetry"
)

// Assignment is the complete input of one worker unit.
type Assignment struct {
	JobID         string
	InputLocator  string
	OutputLocator string
	Preset        string
	CallbackURL   string
	TraceParent   string

	// Optional resolver overrides. Each one replaces the preset's value.
	Codec     string
	Filters   map[string]string
	ExtraArgs []string
}

// Dispatcher starts a worker unit for an assignment and returns once the unit
// is launched, without waiting for it to finish. There is no way to cancel a
// unit after Dispatch returns.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Assignment) error
	Close() error
}

const SubcommandRun = "run"

// Args renders the worker command line, starting with the run subcommand.
// Overrides are only emitted when set.
func (a Assignment) Args() []string {
	args := []string{
		SubcommandRun,
		"-job-id", a.JobID,
		"-input", a.InputLocator,
		"-output", a.OutputLocator,
		"-preset", a.Preset,
		"-callback-url", a.CallbackURL,
	}
	if a.Codec != "" {
		args = append(args, "-codec", a.Codec)
	}
	for _, key := range slices.Sorted(maps.Keys(a.Filters)) {
		args = append(args, "-filter="+key+"="+a.Filters[key])
	}
	for _, extra := range a.ExtraArgs {
		args = append(args, "-extra-arg="+extra)
	}
	return args
}

// Env holds the per-job environment added on top of the worker's own.
func (a Assignment) Env() []string {
	if a.TraceParent == "" {
		return nil
	}
	return []string{telemetry.EnvTraceParent + "=" + a.TraceParent}
}

// ParseAssignment is the inverse of Args, minus the subcommand.
func ParseAssignment(args []string) (Assignment, error) {
	var a Assignment
	fs := flag.NewFlagSet(SubcommandRun, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.JobID, "job-id", "", "job id")
	fs.StringVar(&a.InputLocator, "input", "", "input object locator")
	fs.StringVar(&a.OutputLocator, "output", "", "output object locator")
	fs.StringVar(&a.Preset, "preset", "", "quality preset name")
	fs.StringVar(&a.CallbackURL, "callback-url", "", "orchestrator callback url")
	fs.StringVar(&a.Codec, "codec", "", "codec override")
	fs.Var((*filterFlag)(&a.Filters), "filter", "filter override as key=value, repeatable")
	fs.Var((*listFlag)(&a.ExtraArgs), "extra-arg", "extra engine argument, repeatable")
	if err := fs.Parse(args); err != nil {
		return Assignment{}, fmt.Errorf("parse worker arguments: %w", err)
	}
	if fs.NArg() > 0 {
		return Assignment{}, fmt.Errorf("unexpected worker arguments: %s", strings.Join(fs.Args(), " "))
	}

	var missing []string
	for name, value := range map[string]string{
		"-job-id":       a.JobID,
		"-input":        a.InputLocator,
		"-output":       a.OutputLocator,
		"-preset":       a.Preset,
		"-callback-url": a.CallbackURL,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return a, fmt.Errorf("missing worker arguments: %s", strings.Join(missing, ", "))
	}
	return a, nil
}

type filterFlag map[string]string

func (f *filterFlag) String() string {
	if f == nil || *f == nil {
		return ""
	}
	pairs := make([]string, 0, len(*f))
	for _, key := range slices.Sorted(maps.Keys(*f)) {
		pairs = append(pairs, key+"="+(*f)[key])
	}
	return strings.Join(pairs, ",")
}

func (f *filterFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("filter %q is not key=value", value)
	}
	if *f == nil {
		*f = make(map[string]string)
	}
	(*f)[strings.TrimSpace(key)] = val
	return nil
}

type listFlag []string

func (l *listFlag) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, " ")
}

func (l *listFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// ErrNotLaunched wraps every failure to start a worker unit.
var ErrNotLaunched = errors.New("worker unit not launched")
