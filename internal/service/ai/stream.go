package ai

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"corpuschat/internal/registry"
)

// chunkSource yields text deltas until io.EOF.
type chunkSource interface {
	Recv() (string, error)
	Close()
}

// Stream is one in-flight structured generation.
//
// Partials coalesces: a reader that falls behind only sees the most recent
// partial object. The channel is closed when the upstream stream ends. Wait
// blocks until the final object is known.
type Stream struct {
	provider registry.Provider
	model    string
	partials chan Object
	endOnce  sync.Once
	done     chan struct{}
	final    *Object
	err      error
}

func newStream(provider registry.Provider, model string, src chunkSource, onFinish func(Object)) *Stream {
	s := &Stream{
		provider: provider,
		model:    model,
		partials: make(chan Object, 1),
		done:     make(chan struct{}),
	}
	go s.run(src, onFinish)
	return s
}

// Partials streams partial objects parsed from the text received so far.
func (s *Stream) Partials() <-chan Object {
	return s.partials
}

// Wait returns the validated final object or a *GenerationError.
func (s *Stream) Wait() (*Object, error) {
	<-s.done
	return s.final, s.err
}

// Done is closed once Wait would no longer block.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) run(src chunkSource, onFinish func(Object)) {
	defer close(s.done)
	defer src.Close()
	defer func() {
		if r := recover(); r != nil {
			s.final = nil
			s.err = generationError(s.provider, s.model, fmt.Errorf("stream panicked: %v", r))
			s.endPartials()
		}
	}()

	var (
		buf  strings.Builder
		last Object
		seen bool
	)
	for {
		delta, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.endPartials()
			s.err = generationError(s.provider, s.model, err)
			return
		}
		if delta == "" {
			continue
		}
		buf.WriteString(delta)
		obj, ok := parsePartial(buf.String())
		if !ok || (seen && samePartial(last, obj)) {
			continue
		}
		last, seen = obj, true
		s.publish(obj)
	}
	s.endPartials()

	final, err := parseFinal(buf.String())
	if err != nil {
		s.err = generationError(s.provider, s.model, err)
		return
	}
	s.final = final
	if onFinish != nil {
		onFinish(*final)
	}
}

func (s *Stream) endPartials() {
	s.endOnce.Do(func() { close(s.partials) })
}

func (s *Stream) publish(obj Object) {
	select {
	case s.partials <- obj:
		return
	default:
	}
	select {
	case <-s.partials:
	default:
	}
	s.partials <- obj
}

func samePartial(a, b Object) bool {
	if a.Message != b.Message || len(a.UsedSourceIndexes) != len(b.UsedSourceIndexes) {
		return false
	}
	for i := range a.UsedSourceIndexes {
		if a.UsedSourceIndexes[i] != b.UsedSourceIndexes[i] {
			return false
		}
	}
	return true
}
