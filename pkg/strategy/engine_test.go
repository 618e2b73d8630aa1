package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock matcher for testing
type mockMatcher struct {
	matchFunc func(topic string, payload []byte) (bool, error)
}

func (m *mockMatcher) Match(topic string, payload []byte) (bool, error) {
	if m.matchFunc != nil {
		return m.matchFunc(topic, payload)
	}
	return false, nil
}

func TestTokenMatcher(t *testing.T) {
	matcher := NewTokenMatcher("")
	assert.Equal(t, "true", matcher.Token())

	tests := map[string]bool{
		"true":      true,
		" true\n":   false,
		"true\r\n":  false,
		"TRUE":      false,
		"false":     false,
		"":          false,
		"true true": false,
	}
	for payload, want := range tests {
		got, err := matcher.Match("device/scmd/wind/D1", []byte(payload))
		require.NoError(t, err)
		assert.Equal(t, want, got, "payload %q", payload)
	}

	custom := NewTokenMatcher("OK")
	got, _ := custom.Match("", []byte("OK"))
	assert.True(t, got)
}

func TestEngineFallback(t *testing.T) {
	engine := NewEngine(nil, nil)

	got, err := engine.Match("wind", "device/scmd/wind/D1", []byte("true"))
	require.NoError(t, err)
	assert.True(t, got)

	got, err = engine.Match("water", "device/scmd/water/W1", []byte("nope"))
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEnginePerKindMatcher(t *testing.T) {
	engine := NewEngine(NewTokenMatcher("true"), nil)
	engine.Register("rail", &mockMatcher{
		matchFunc: func(_ string, payload []byte) (bool, error) {
			return string(payload) == "closed", nil
		},
	})

	got, _ := engine.Match("rail", "device/scmd/rail/R1", []byte("closed"))
	assert.True(t, got)
	got, _ = engine.Match("rail", "device/scmd/rail/R1", []byte("true"))
	assert.False(t, got, "kind rule replaces the fallback")
	got, _ = engine.Match("wind", "device/scmd/wind/D1", []byte("true"))
	assert.True(t, got)

	engine.Register("rail", NewTokenMatcher("open"))
	got, _ = engine.Match("rail", "device/scmd/rail/R1", []byte("open"))
	assert.True(t, got, "a second registration replaces the first")
}

func TestNewEngineFromConfig(t *testing.T) {
	engine, err := NewEngineFromConfig(RuleSet{
		AckToken: "ack",
		Scripts: map[string]string{
			"water": "function isAck(m) { return m.json !== null && m.json.synced === true; }",
		},
	}, nil)
	require.NoError(t, err)

	got, err := engine.Match("water", "device/scmd/water/W1", []byte(`{"synced":true}`))
	require.NoError(t, err)
	assert.True(t, got)

	got, _ = engine.Match("wind", "device/scmd/wind/D1", []byte("ack"))
	assert.True(t, got)

	assert.Equal(t, map[string]string{"*": "token:ack", "water": "javascript"}, engine.Rules())
}

func TestNewEngineFromConfigRejectsBadScript(t *testing.T) {
	_, err := NewEngineFromConfig(RuleSet{AckToken: "true", Scripts: map[string]string{"wind": "function nope() {}"}}, nil)
	assert.ErrorIs(t, err, ErrScriptInvalid)
}

func TestRulesDescribesUnknownMatcher(t *testing.T) {
	engine := NewEngine(nil, nil)
	engine.Register("rail", &mockMatcher{})

	assert.Equal(t, "*strategy.mockMatcher", engine.Rules()["rail"])
}

func TestEngineReload(t *testing.T) {
	engine, err := NewEngineFromConfig(RuleSet{
		AckToken: "true",
		Scripts:  map[string]string{"water": "function isAck(m) { return m.payload === 'wet'; }"},
	}, nil)
	require.NoError(t, err)

	err = engine.Reload(RuleSet{
		AckToken: "ok",
		Scripts:  map[string]string{"rail": "function isAck(m) { return m.payload === 'closed'; }"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"*": "token:ok", "rail": "javascript"}, engine.Rules())

	got, _ := engine.Match("water", "device/scmd/water/W1", []byte("ok"))
	assert.True(t, got, "water falls back to the new token")
	got, _ = engine.Match("rail", "device/scmd/rail/R1", []byte("closed"))
	assert.True(t, got)
}

func TestEngineReloadKeepsRulesOnError(t *testing.T) {
	engine, err := NewEngineFromConfig(RuleSet{
		AckToken: "true",
		Scripts:  map[string]string{"water": "function isAck(m) { return true; }"},
	}, nil)
	require.NoError(t, err)

	err = engine.Reload(RuleSet{AckToken: "ok", Scripts: map[string]string{"water": "function isAck( {"}})
	assert.ErrorIs(t, err, ErrScriptInvalid)
	assert.Equal(t, map[string]string{"*": "token:true", "water": "javascript"}, engine.Rules())
}

func TestEngineAppliesScriptTimeout(t *testing.T) {
	engine, err := NewEngineFromConfig(RuleSet{
		Scripts:       map[string]string{"wind": "function isAck(m) { while (true) {} }"},
		ScriptTimeout: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	matcher, ok := engine.MatcherFor("wind").(*JavaScriptMatcher)
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, matcher.maxExecutionTime)

	got, err := engine.Match("wind", "device/scmd/wind/D1", []byte("true"))
	assert.ErrorIs(t, err, ErrScriptTimeout)
	assert.False(t, got)
}
