// Package strategy decides which status messages count as acknowledgements.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Engine keeps one Matcher per device kind and falls back to a default for
// kinds without their own rule.
type Engine struct {
	matchers map[string]Matcher
	fallback Matcher
	logger   *zap.Logger
	mutex    sync.RWMutex
}

func NewEngine(fallback Matcher, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback == nil {
		fallback = NewTokenMatcher(DefaultAckToken)
	}

	return &Engine{
		matchers: make(map[string]Matcher),
		fallback: fallback,
		logger:   logger.Named("strategy"),
	}
}

// RuleSet is the configured acknowledgement policy.
type RuleSet struct {
	// AckToken is the payload the fallback matcher accepts.
	AckToken string
	// Scripts maps a device kind to the source of its isAck function.
	Scripts map[string]string
	// ScriptTimeout bounds one script evaluation. Zero keeps the default.
	ScriptTimeout time.Duration
}

// NewEngineFromConfig builds the default token matcher plus one JavaScript
// matcher per configured kind.
func NewEngineFromConfig(rules RuleSet, logger *zap.Logger) (*Engine, error) {
	engine := NewEngine(NewTokenMatcher(rules.AckToken), logger)

	matchers, err := buildMatchers(rules, engine.logger)
	if err != nil {
		return nil, err
	}
	for kind, matcher := range matchers {
		engine.Register(kind, matcher)
	}

	engine.logger.Info("Ack rules loaded", zap.Int("kinds", len(matchers)), zap.String("token", rules.AckToken))
	return engine, nil
}

// Reload replaces the fallback token and every per-kind script. Either all
// scripts compile and the new rules take effect together, or the current
// rules stay in place.
func (e *Engine) Reload(rules RuleSet) error {
	matchers, err := buildMatchers(rules, e.logger)
	if err != nil {
		return err
	}

	e.mutex.Lock()
	e.fallback = NewTokenMatcher(rules.AckToken)
	e.matchers = matchers
	e.mutex.Unlock()

	e.logger.Info("Ack rules reloaded", zap.Int("kinds", len(matchers)), zap.String("token", rules.AckToken))
	return nil
}

func buildMatchers(rules RuleSet, logger *zap.Logger) (map[string]Matcher, error) {
	kinds := make([]string, 0, len(rules.Scripts))
	for kind := range rules.Scripts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	matchers := make(map[string]Matcher, len(kinds))
	for _, kind := range kinds {
		matcher, err := NewJavaScriptMatcher(rules.Scripts[kind], logger)
		if err != nil {
			return nil, fmt.Errorf("ack script for %s: %w", kind, err)
		}
		matcher.SetMaxExecutionTime(rules.ScriptTimeout)
		matchers[kind] = matcher
	}
	return matchers, nil
}

// Register sets the matcher for kind, replacing any earlier one.
func (e *Engine) Register(kind string, matcher Matcher) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.matchers[kind] = matcher
	e.logger.Debug("Registered ack matcher", zap.String("device_kind", kind), zap.String("matcher", describe(matcher)))
}

func (e *Engine) MatcherFor(kind string) Matcher {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if matcher, ok := e.matchers[kind]; ok {
		return matcher
	}
	return e.fallback
}

// Match runs the matcher for kind against one status message.
func (e *Engine) Match(kind, topic string, payload []byte) (bool, error) {
	return e.MatcherFor(kind).Match(topic, payload)
}

// Rules returns the matcher description per registered kind plus "*" for the
// fallback.
func (e *Engine) Rules() map[string]string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	rules := make(map[string]string, len(e.matchers)+1)
	rules["*"] = describe(e.fallback)
	for kind, matcher := range e.matchers {
		rules[kind] = describe(matcher)
	}
	return rules
}

func describe(m Matcher) string {
	if d, ok := m.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", m)
}
