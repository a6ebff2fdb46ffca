package node

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/aporia-zero/meshchat/pkg/transport"
	"github.com/aporia-zero/meshchat/pkg/types"
)

// Requester is the sending side of the two request streams consumed by
// Run. Address text is parsed before it is queued, so malformed input is
// reported to the caller and never reaches the loop.
type Requester struct {
	dials    chan string
	messages chan string
	maxSize  int
}

// NewRequester creates both request streams with the given buffer.
// maxSize bounds a message payload in bytes.
func NewRequester(buffer, maxSize int) *Requester {
	return &Requester{
		dials:    make(chan string, buffer),
		messages: make(chan string, buffer),
		maxSize:  maxSize,
	}
}

// Dials is the stream of dial requests handed to Run
func (r *Requester) Dials() <-chan string { return r.dials }

// Messages is the stream of outgoing messages handed to Run
func (r *Requester) Messages() <-chan string { return r.messages }

// Dial validates text and queues it as a dial request
func (r *Requester) Dial(ctx context.Context, text string) error {
	addr, err := transport.ParseAddress(text)
	if err != nil {
		return err
	}
	if tpt, _ := transport.SplitPeer(addr); tpt == nil {
		return types.NetworkError{
			Code:    types.ErrCodeUnsupportedAddress,
			Message: fmt.Sprintf("no transport in %s", addr),
		}
	}
	return r.enqueue(ctx, r.dials, addr.String())
}

// Send validates text and queues it for publishing. The empty string is
// a valid message.
func (r *Requester) Send(ctx context.Context, text string) error {
	if !utf8.ValidString(text) {
		return types.NetworkError{
			Code:    types.ErrCodeValidation,
			Message: "message is not valid UTF-8",
		}
	}
	if r.maxSize > 0 && len(text) > r.maxSize {
		return types.NetworkError{
			Code:    types.ErrCodeValidation,
			Message: fmt.Sprintf("message of %d bytes exceeds limit of %d", len(text), r.maxSize),
		}
	}
	return r.enqueue(ctx, r.messages, text)
}

func (r *Requester) enqueue(ctx context.Context, ch chan<- string, v string) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return types.NetworkError{
			Code:    types.ErrCodeQueueFull,
			Message: "request queue full",
			Err:     ctx.Err(),
		}
	}
}
