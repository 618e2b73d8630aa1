package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const (
	ackFunctionName         = "isAck"
	defaultMaxExecutionTime = 100 * time.Millisecond
)

// JavaScriptMatcher runs a user supplied isAck(message) function for every
// status message. The message object carries topic, payload (string) and json
// (the parsed payload or null).
type JavaScriptMatcher struct {
	source           string
	program          *goja.Program
	maxExecutionTime time.Duration
	logger           *zap.Logger
}

func NewJavaScriptMatcher(source string, logger *zap.Logger) (*JavaScriptMatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	program, err := compileAckScript(source)
	if err != nil {
		return nil, err
	}

	return &JavaScriptMatcher{
		source:           source,
		program:          program,
		maxExecutionTime: defaultMaxExecutionTime,
		logger:           logger.Named("ack-script"),
	}, nil
}

// SetMaxExecutionTime bounds a single evaluation.
func (jsm *JavaScriptMatcher) SetMaxExecutionTime(d time.Duration) {
	if d > 0 {
		jsm.maxExecutionTime = d
	}
}

func (jsm *JavaScriptMatcher) Describe() string {
	return "javascript"
}

// Match evaluates the script in a fresh runtime. A script error, a non-boolean
// result or a timeout means the message is not an acknowledgement.
func (jsm *JavaScriptMatcher) Match(topic string, payload []byte) (result bool, err error) {
	vm := goja.New()

	timer := time.AfterFunc(jsm.maxExecutionTime, func() {
		vm.Interrupt(ErrScriptTimeout)
	})
	defer timer.Stop()

	defer func() {
		if r := recover(); r != nil {
			result = false
			err = fmt.Errorf("ack script panic: %v", r)
		}
	}()

	jsm.setupEnvironment(vm, topic)

	if _, err := vm.RunProgram(jsm.program); err != nil {
		return false, jsm.wrapRuntimeError(err)
	}

	fn, ok := goja.AssertFunction(vm.Get(ackFunctionName))
	if !ok {
		return false, fmt.Errorf("%w: %s is not a function", ErrScriptInvalid, ackFunctionName)
	}

	value, err := fn(goja.Undefined(), jsm.createMessageObject(vm, topic, payload))
	if err != nil {
		return false, jsm.wrapRuntimeError(err)
	}

	acked, ok := value.Export().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned %v, want boolean", ErrScriptInvalid, ackFunctionName, value.Export())
	}
	return acked, nil
}

func (jsm *JavaScriptMatcher) wrapRuntimeError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w after %v", ErrScriptTimeout, jsm.maxExecutionTime)
	}
	return fmt.Errorf("ack script error: %w", err)
}

func (jsm *JavaScriptMatcher) setupEnvironment(vm *goja.Runtime, topic string) {
	_ = vm.Set("log", func(args ...interface{}) {
		message := make([]string, len(args))
		for i, arg := range args {
			message[i] = fmt.Sprintf("%v", arg)
		}
		jsm.logger.Debug(strings.Join(message, " "), zap.String("topic", topic))
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var result interface{}
		if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
			return nil
		}
		return result
	})
}

func (jsm *JavaScriptMatcher) createMessageObject(vm *goja.Runtime, topic string, payload []byte) *goja.Object {
	obj := vm.NewObject()
	_ = obj.Set("topic", topic)
	_ = obj.Set("payload", string(payload))

	var parsed interface{}
	if err := json.Unmarshal(payload, &parsed); err == nil {
		_ = obj.Set("json", parsed)
	} else {
		_ = obj.Set("json", goja.Null())
	}

	return obj
}

// ValidateAckScript reports whether source compiles and defines isAck.
func ValidateAckScript(source string) error {
	_, err := compileAckScript(source)
	return err
}

func compileAckScript(source string) (*goja.Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: empty script", ErrScriptInvalid)
	}

	program, err := goja.Compile("ack.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScriptInvalid, err)
	}

	// Run once to make sure the function is actually defined
	vm := goja.New()
	if _, err := vm.RunProgram(program); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScriptInvalid, err)
	}
	if _, ok := goja.AssertFunction(vm.Get(ackFunctionName)); !ok {
		return nil, fmt.Errorf("%w: %s function not found", ErrScriptInvalid, ackFunctionName)
	}

	return program, nil
}
