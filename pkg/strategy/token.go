package strategy

import (
	"bytes"
)

// DefaultAckToken is the payload devices publish after applying a command.
const DefaultAckToken = "true"

// TokenMatcher accepts a payload byte-for-byte equal to a fixed token.
type TokenMatcher struct {
	token []byte
}

func NewTokenMatcher(token string) *TokenMatcher {
	if token == "" {
		token = DefaultAckToken
	}
	return &TokenMatcher{token: []byte(token)}
}

func (m *TokenMatcher) Token() string {
	return string(m.token)
}

func (m *TokenMatcher) Match(_ string, payload []byte) (bool, error) {
	return bytes.Equal(payload, m.token), nil
}

func (m *TokenMatcher) Describe() string {
	return "token:" + string(m.token)
}
