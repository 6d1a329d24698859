// Package pipelinetest provides in-memory stand-ins for the blob store and the
// transcoding engine.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dunamismax/vidflow/internal/engine"
	"github.com/dunamismax/vidflow/internal/storage"
	"github.com/dunamismax/vidflow/internal/transcode"
)

type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// BlobStore keeps objects in memory, keyed by locator.
type BlobStore struct {
	mu        sync.Mutex
	objects   map[string]Object
	downloads int

	UploadErr error
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

func (b *BlobStore) Put(locator string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = Object{Data: append([]byte(nil), data...)}
}

func (b *BlobStore) Object(locator string) (Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[locator]
	return obj, ok
}

func (b *BlobStore) Downloads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downloads
}

func (b *BlobStore) ObjectExists(_ context.Context, locator string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[locator]
	return ok, nil
}

func (b *BlobStore) Download(_ context.Context, locator, localPath string) error {
	b.mu.Lock()
	obj, ok := b.objects[locator]
	b.downloads++
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, locator)
	}
	return os.WriteFile(localPath, obj.Data, 0o644)
}

func (b *BlobStore) Upload(_ context.Context, localPath, locator, contentType string, metadata map[string]string) error {
	if b.UploadErr != nil {
		return b.UploadErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read upload source: %w", err)
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = Object{Data: data, ContentType: contentType, Metadata: meta}
	return nil
}

// Engine writes a fixed payload to the output path and replays canned
// progress events instead of running ffmpeg.
type Engine struct {
	mu          sync.Mutex
	invocations []engine.Invocation

	Output   []byte
	Progress []engine.Event
	RunErr   error
	StartErr error
	ProbeErr error
	Info     engine.ProbeInfo
}

func NewEngine() *Engine {
	return &Engine{
		Output: []byte("encoded"),
		Progress: []engine.Event{
			{Frame: 30, FPS: 30, Bitrate: "900kbits/s"},
			{Frame: 60, FPS: 30, Bitrate: "950kbits/s"},
		},
		Info: engine.ProbeInfo{DurationSeconds: 2, Width: 1920, Height: 1080, VideoCodec: "h264"},
	}
}

func (e *Engine) Invocations() []engine.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Invocation(nil), e.invocations...)
}

func (e *Engine) Invocation(spec transcode.Spec, inputPath, outputPath string) engine.Invocation {
	return engine.Invocation{Path: "ffmpeg", Args: engine.BuildArgs(spec, inputPath, outputPath)}
}

func (e *Engine) Start(_ context.Context, inv engine.Invocation) (*engine.Run, error) {
	e.mu.Lock()
	e.invocations = append(e.invocations, inv)
	e.mu.Unlock()

	if e.StartErr != nil {
		return nil, e.StartErr
	}
	if len(inv.Args) == 0 {
		return nil, errors.New("invocation has no output path")
	}
	if e.RunErr == nil {
		if err := os.WriteFile(inv.Args[len(inv.Args)-1], e.Output, 0o644); err != nil {
			return nil, err
		}
	}
	return engine.Replay(e.Progress, e.RunErr), nil
}

func (e *Engine) Probe(context.Context, string) (engine.ProbeInfo, error) {
	if e.ProbeErr != nil {
		return engine.ProbeInfo{}, e.ProbeErr
	}
	return e.Info, nil
}
