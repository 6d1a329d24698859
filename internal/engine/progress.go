package engine

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one element of a Run's progress sequence. The sequence ends with
// exactly one EventCompleted or EventFailed, after which the channel closes.
type Event struct {
	Kind    EventKind
	Frame   int64
	FPS     float64
	Bitrate string
	OutTime time.Duration
	Speed   string
	Err     error
}

// Run is a single engine execution. It cannot be restarted.
type Run struct {
	events chan Event
	done   chan struct{}
	err    error
}

const runEventBuffer = 32

func newRun() *Run {
	return &Run{
		events: make(chan Event, runEventBuffer),
		done:   make(chan struct{}),
	}
}

// Replay returns an already finished Run that yields the given progress
// events and then the terminal event for err. It lets callers stand in for
// the engine without spawning a process.
func Replay(progress []Event, err error) *Run {
	run := &Run{
		events: make(chan Event, len(progress)+1),
		done:   make(chan struct{}),
	}
	for _, ev := range progress {
		ev.Kind = EventProgress
		run.events <- ev
	}
	run.finish(err)
	return run
}

// Events yields progress updates followed by one terminal event. Progress
// updates are dropped when the consumer falls behind; the terminal event
// never is.
func (r *Run) Events() <-chan Event {
	return r.events
}

// Wait blocks until the engine exits and returns its error, if any.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// publish is only called from the run's own goroutine, so one buffer slot can
// be held back for the terminal event.
func (r *Run) publish(ev Event) {
	if len(r.events) >= cap(r.events)-1 {
		return
	}
	r.events <- ev
}

func (r *Run) finish(err error) {
	r.err = err
	close(r.done)

	terminal := Event{Kind: EventCompleted}
	if err != nil {
		terminal = Event{Kind: EventFailed, Err: err}
	}
	r.events <- terminal
	close(r.events)
}

// parseProgress reads ffmpeg "-progress" key=value blocks and emits one event
// per block.
func parseProgress(r io.Reader, emit func(Event)) {
	scanner := bufio.NewScanner(r)
	var current Event
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "frame":
			current.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			current.FPS, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			current.Bitrate = value
		case "out_time_us", "out_time_ms":
			// ffmpeg reports microseconds under both keys.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.OutTime = time.Duration(us) * time.Microsecond
			}
		case "speed":
			current.Speed = value
		case "progress":
			current.Kind = EventProgress
			emit(current)
			current = Event{}
		}
	}
	// drain whatever is left so the engine never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
