package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fabfab/lexray/llm"
)

// Stream is an answer in progress. Tokens delivers text deltas in the order
// the model produced them and is closed when composition ends; Result
// resolves once with the terminal answer. Table answers deliver no tokens.
//
// For text answers the terminal Text is exactly the concatenation of the
// delivered tokens.
type Stream struct {
	tokens chan string
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	result AnswerResult
	err    error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		tokens: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (st *Stream) Tokens() <-chan string {
	return st.tokens
}

// Result waits for the terminal answer. Tokens not yet read are discarded.
func (st *Stream) Result() (AnswerResult, error) {
	for range st.tokens {
	}
	<-st.done
	return st.result, st.err
}

// Close abandons the stream: the in-flight completion is cancelled and the
// producer goroutine exits. Safe to call more than once and after Result.
func (st *Stream) Close() {
	st.once.Do(st.cancel)
	for range st.tokens {
	}
	<-st.done
}

func (st *Stream) send(ctx context.Context, token string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrStreamAborted, context.Cause(ctx))
	}
	select {
	case st.tokens <- token:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStreamAborted, context.Cause(ctx))
	}
}

func (st *Stream) finish(result AnswerResult, err error) {
	st.result = result
	st.err = err
	close(st.tokens)
	close(st.done)
}

// AnswerStream validates, embeds and retrieves before returning, so those
// failures surface here rather than through Result. Composition continues in
// a goroutine owned by the returned Stream.
func (s *Service) AnswerStream(ctx context.Context, req Request) (*Stream, error) {
	started := time.Now()

	p, err := s.prepare(ctx, req)
	if err != nil {
		s.notify(ctx, newAnswerEvent(p, AnswerResult{}, true, started, err))
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	st := newStream(cancel)
	go func() {
		defer cancel()
		result, err := s.composeStream(streamCtx, p, st)
		if err != nil && streamCtx.Err() != nil && !errors.Is(err, ErrStreamAborted) {
			err = fmt.Errorf("%w: %w", ErrStreamAborted, err)
		}
		if errors.Is(err, ErrStreamAborted) {
			s.logger.Debug().Str("document_id", p.documentID).Msg("answer stream abandoned")
		}
		s.notify(streamCtx, newAnswerEvent(p, result, true, started, err))
		st.finish(result, err)
	}()
	return st, nil
}

func (s *Service) composeStream(ctx context.Context, p plan, st *Stream) (AnswerResult, error) {
	if p.noRelevant {
		result := notFound(p)
		if err := st.send(ctx, result.Text); err != nil {
			return AnswerResult{}, err
		}
		return result, nil
	}
	if p.intent == IntentTable {
		return s.buildTable(ctx, p), nil
	}

	var text strings.Builder
	err := s.completer.stream(ctx, textMessages(p.question, p.retrieved), textOptions, func(delta string) error {
		if err := st.send(ctx, delta); err != nil {
			return err
		}
		text.WriteString(delta)
		return nil
	})
	if err != nil {
		return AnswerResult{}, err
	}
	if strings.TrimSpace(text.String()) == "" {
		return AnswerResult{}, fmt.Errorf("%w: %w", ErrCompletion, llm.ErrEmptyResponse)
	}
	return textResult(text.String(), p.intent, p.strategy, chunkRefs(p.retrieved)), nil
}
