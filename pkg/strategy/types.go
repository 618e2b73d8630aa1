package strategy

import (
	"errors"
)

var (
	ErrScriptInvalid = errors.New("invalid ack script")
	ErrScriptTimeout = errors.New("ack script timed out")
)

// Matcher decides whether a status message acknowledges the last command.
type Matcher interface {
	Match(topic string, payload []byte) (bool, error)
}

// Describer is implemented by matchers that can name themselves for the API.
type Describer interface {
	Describe() string
}
