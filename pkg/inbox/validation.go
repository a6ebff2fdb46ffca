package inbox

import (
	"errors"
	"unicode/utf8"

	"github.com/aporia-zero/meshchat/pkg/types"
)

var (
	ErrInvalidConfig  = errors.New("inbox max size must be positive")
	ErrInvalidMessage = errors.New("message is missing an id or sender")
	ErrInvalidText    = errors.New("message text is not valid UTF-8")
	ErrAlreadyExists  = errors.New("message already exists in inbox")
	ErrNotFound       = types.NetworkError{
		Code:    types.ErrCodeNotFound,
		Message: "message not found in inbox",
	}
)

func validateMessage(msg *types.ChatMessage) error {
	if msg == nil || msg.ID == "" || msg.From == "" {
		return ErrInvalidMessage
	}
	if !utf8.ValidString(msg.Text) {
		return ErrInvalidText
	}
	return nil
}
