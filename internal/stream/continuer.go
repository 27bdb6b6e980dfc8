package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"forge/internal/llm"

	"go.uber.org/zap"
)

// ErrMaxSegments is returned to the reader when a response still hit the
// token limit after the maximum number of segments.
var ErrMaxSegments = errors.New("cannot continue message: maximum segments reached")

// Continuer presents a response that needs several provider calls as one
// stream. Each call that stops at the token limit is followed by a
// continuation call whose output is spliced onto the same stream.
type Continuer struct {
	provider    llm.Provider
	maxSegments int
	logger      *zap.Logger
}

// NewContinuer creates a Continuer allowing at most maxSegments provider
// calls per response.
func NewContinuer(provider llm.Provider, maxSegments int, logger *zap.Logger) *Continuer {
	if maxSegments <= 0 {
		maxSegments = llm.DefaultMaxSegments
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Continuer{
		provider:    provider,
		maxSegments: maxSegments,
		logger:      logger.Named("continuer"),
	}
}

// Respond starts req and returns the stitched response. Provider failures,
// cancellation of ctx and ErrMaxSegments surface as the reader's error after
// everything streamed so far.
func (c *Continuer) Respond(ctx context.Context, req llm.Request) *Switchable {
	sw := NewSwitchable()
	go c.run(ctx, req, sw)
	return sw
}

func (c *Continuer) run(ctx context.Context, req llm.Request, sw *Switchable) {
	stop := context.AfterFunc(ctx, func() {
		sw.CloseWithError(ctx.Err())
	})
	defer stop()

	messages := make([]llm.Message, len(req.Messages))
	copy(messages, req.Messages)

	for {
		call := req
		call.Messages = messages

		seg, err := c.provider.Stream(ctx, call)
		if err != nil {
			sw.CloseWithError(fmt.Errorf("provider call: %w", err))
			return
		}

		var text strings.Builder
		err = <-sw.SwitchSource(io.TeeReader(seg, &text))
		seg.Close()
		if err != nil {
			sw.CloseWithError(err)
			return
		}

		reason := seg.StopReason()
		if reason != llm.StopLength {
			sw.Close()
			return
		}

		if sw.Switches() >= c.maxSegments {
			c.logger.Warn("response truncated", zap.Int("segments", sw.Switches()))
			sw.CloseWithError(ErrMaxSegments)
			return
		}

		c.logger.Debug("continuing response", zap.Int("segment", sw.Switches()+1))
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: text.String()},
			llm.Message{Role: llm.RoleUser, Content: llm.ContinuePrompt},
		)
	}
}
