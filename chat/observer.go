package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AnswerEvent describes one finished (or failed) answer.
type AnswerEvent struct {
	DocumentID string
	Intent     Intent
	Strategy   Strategy
	Kind       AnswerKind
	TableStage TableStage
	Sources    []ChunkRef
	Streamed   bool
	Duration   time.Duration
	Err        error
}

// Observer receives answer events after the answer has been delivered. It
// runs in its own goroutine and cannot affect the answer.
type Observer interface {
	ObserveAnswer(ctx context.Context, event AnswerEvent)
}

type ObserverFunc func(ctx context.Context, event AnswerEvent)

func (f ObserverFunc) ObserveAnswer(ctx context.Context, event AnswerEvent) {
	f(ctx, event)
}

type MultiObserver []Observer

func (m MultiObserver) ObserveAnswer(ctx context.Context, event AnswerEvent) {
	for _, o := range m {
		o.ObserveAnswer(ctx, event)
	}
}

// LogObserver writes one structured line per answer.
func LogObserver(logger zerolog.Logger) Observer {
	return ObserverFunc(func(_ context.Context, event AnswerEvent) {
		e := logger.Info()
		if event.Err != nil {
			e = logger.Warn().Err(event.Err)
		}
		e.Str("document_id", event.DocumentID).
			Str("intent", string(event.Intent)).
			Str("strategy", string(event.Strategy)).
			Str("kind", string(event.Kind)).
			Str("stage", string(event.TableStage)).
			Int("sources", len(event.Sources)).
			Bool("streamed", event.Streamed).
			Dur("duration", event.Duration).
			Msg("answer composed")
	})
}

func newAnswerEvent(p plan, result AnswerResult, streamed bool, started time.Time, err error) AnswerEvent {
	return AnswerEvent{
		DocumentID: p.documentID,
		Intent:     p.intent,
		Strategy:   p.strategy,
		Kind:       result.Kind,
		TableStage: result.TableStage,
		Sources:    result.Sources,
		Streamed:   streamed,
		Duration:   time.Since(started),
		Err:        err,
	}
}

func (s *Service) notify(ctx context.Context, event AnswerEvent) {
	if len(s.observers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, observer := range s.observers {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Msg("answer observer panicked")
				}
			}()
			observer.ObserveAnswer(ctx, event)
		}()
	}
}
