package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fabfab/lexray/llm"
)

var (
	textOptions          = llm.GenerateOptions{Temperature: 0.7, TopP: 0.95}
	tableOptions         = llm.GenerateOptions{Temperature: 0.3, TopP: 0.95, JSON: true}
	tableFallbackOptions = llm.GenerateOptions{Temperature: 0.5, TopP: 0.95, JSON: true}
)

type completer struct {
	client  llm.Client
	timeout time.Duration
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c completer) generate(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	callCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.Generate(callCtx, messages, opts)
	if err != nil {
		return "", c.wrap(ctx, callCtx, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("%w: %w", ErrCompletion, llm.ErrEmptyResponse)
	}
	return out, nil
}

// stream delivers deltas through emit. Clients without streaming support
// produce the whole answer as a single delta.
func (c completer) stream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions, emit func(string) error) error {
	callCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	if streamer, ok := c.client.(llm.StreamClient); ok {
		_, err = streamer.GenerateStream(callCtx, messages, opts, func(delta string) error {
			if delta == "" {
				return nil
			}
			return emit(delta)
		})
	} else {
		var answer string
		answer, err = c.client.Generate(callCtx, messages, opts)
		if err == nil && answer != "" {
			err = emit(answer)
		}
	}
	if err != nil {
		if errors.Is(err, ErrStreamAborted) {
			return err
		}
		return c.wrap(ctx, callCtx, err)
	}
	return nil
}

func (c completer) wrap(parent, callCtx context.Context, err error) error {
	if timedOut(parent, callCtx) {
		return fmt.Errorf("%w: %w", ErrCompletionTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrCompletion, err)
}
