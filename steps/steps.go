// Package steps provides the builtin stage behaviors: row generators,
// pass-through and filtering stages, and terminal sinks. They are mostly
// used for smoke tests and CLI demos of the engine.
package steps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Step errors
var (
	ErrAborted      = errors.New("aborted by stage")
	ErrInvalidValue = errors.New("invalid config value")
)

// ConfigError reports a malformed config key.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %q: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// configInt reads an integer config value. YAML decodes numbers as int and
// JSON as float64, and ${VAR}-substituted values arrive as strings.
func configInt(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, &ConfigError{Key: key, Err: fmt.Errorf("%w: %v is not an integer", ErrInvalidValue, n)}
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, &ConfigError{Key: key, Err: err}
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, &ConfigError{Key: key, Err: fmt.Errorf("%w: %q", ErrInvalidValue, n)}
		}
		return i, nil
	default:
		return 0, &ConfigError{Key: key, Err: fmt.Errorf("%w: unexpected type %T", ErrInvalidValue, v)}
	}
}

func configString(cfg map[string]any, key, def string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// configMap reads a nested mapping such as the generate stage's fields.
func configMap(cfg map[string]any, key string) (map[string]any, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &ConfigError{Key: key, Err: fmt.Errorf("%w: expected a mapping, got %T", ErrInvalidValue, v)}
	}
	return m, nil
}
