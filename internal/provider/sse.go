package provider

import (
	"context"
	"net/http"
	"sync"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/floegence/flowerchat/internal/chat"
)

type eventKind int

const (
	// eventSkip is a well-formed event without text (role preamble, usage, keep-alive)
	// or a malformed event; neither ends the stream.
	eventSkip eventKind = iota
	eventText
	eventDone
	eventFailed
)

// parsedEvent is the provider-neutral result of decoding one SSE data payload.
type parsedEvent struct {
	kind eventKind
	text string
	err  error
}

// eventStream adapts an SSE response into a chat.Stream.
//
// It is pull-based: nothing is read from the network until Next is called.
type eventStream struct {
	ctx   context.Context
	res   *http.Response
	dec   ssestream.Decoder
	parse func(data []byte) parsedEvent

	cur   string
	err   error
	done  bool
	once  sync.Once
}

func newEventStream(ctx context.Context, res *http.Response, parse func([]byte) parsedEvent) *eventStream {
	return &eventStream{
		ctx:   ctx,
		res:   res,
		dec:   ssestream.NewDecoder(res),
		parse: parse,
	}
}

func (s *eventStream) Next() bool {
	if s == nil || s.done {
		return false
	}
	if s.dec == nil {
		s.finish(chat.UpstreamError(0, "empty response body", nil))
		return false
	}
	for s.dec.Next() {
		ev := s.parse(s.dec.Event().Data)
		switch ev.kind {
		case eventText:
			if ev.text == "" {
				continue
			}
			s.cur = ev.text
			return true
		case eventDone:
			s.finish(nil)
			return false
		case eventFailed:
			s.finish(ev.err)
			return false
		default:
			continue
		}
	}
	if err := s.ctx.Err(); err != nil {
		s.finish(chat.TransportError(err))
		return false
	}
	if err := s.dec.Err(); err != nil {
		s.finish(chat.TransportError(err))
		return false
	}
	// Body ended without an explicit terminator: treat as completion.
	s.finish(nil)
	return false
}

func (s *eventStream) finish(err error) {
	s.done = true
	s.cur = ""
	s.err = err
	_ = s.Close()
}

func (s *eventStream) Text() string {
	if s == nil {
		return ""
	}
	return s.cur
}

func (s *eventStream) Err() error {
	if s == nil {
		return nil
	}
	return s.err
}

func (s *eventStream) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		if s.dec != nil {
			err = s.dec.Close()
		} else if s.res != nil && s.res.Body != nil {
			err = s.res.Body.Close()
		}
	})
	return err
}
