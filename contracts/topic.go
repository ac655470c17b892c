package contracts

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// TopicDelimiter separates routing key segments
	TopicDelimiter = "."
	// RequestSegment follows the binding on inbound routing keys
	RequestSegment = "request"
	// ChangesSegment follows the binding on change broadcasts
	ChangesSegment = "changes"
)

// ErrInvalidTopicSegment is returned when a routing key component would change
// the number of segments consumers parse by position
var ErrInvalidTopicSegment = errors.New("contracts: invalid topic segment")

// RequestBindingPattern is the pattern the inbound queue is bound with
func RequestBindingPattern(binding string) string {
	return join(binding, RequestSegment, "#")
}

// RequestRoutingKey is the routing key callers publish requests with
func RequestRoutingKey(binding, model, method string) (string, error) {
	if err := validateBinding(binding); err != nil {
		return "", err
	}
	for _, s := range []string{model, method} {
		if err := ValidateSegment(s); err != nil {
			return "", err
		}
	}
	return join(binding, RequestSegment, model, method), nil
}

// ChangeTopic is the routing key a change event is broadcast with:
// <binding>.changes.<model>.<target>.<type>
func ChangeTopic(binding, model, target string, changeType ChangeType) (string, error) {
	if err := validateBinding(binding); err != nil {
		return "", err
	}
	for _, s := range []string{model, target, string(changeType)} {
		if err := ValidateSegment(s); err != nil {
			return "", err
		}
	}
	return join(binding, ChangesSegment, model, target, string(changeType)), nil
}

// ChangeBindingPattern matches change broadcasts, optionally for a single model
func ChangeBindingPattern(binding, model string) string {
	if model == "" {
		return join(binding, ChangesSegment, "#")
	}
	return join(binding, ChangesSegment, model, "#")
}

func join(segments ...string) string {
	return strings.Join(segments, TopicDelimiter)
}

// validateBinding allows dotted bindings since consumers know the prefix
func validateBinding(binding string) error {
	if binding == "" || strings.ContainsAny(binding, "*#") {
		return fmt.Errorf("%w: binding %q", ErrInvalidTopicSegment, binding)
	}
	return nil
}

// ValidateSegment reports whether segment can occupy a single routing key
// position: non-empty and free of '.', '*' and '#'
func ValidateSegment(segment string) error {
	if segment == "" || strings.ContainsAny(segment, ".*#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopicSegment, segment)
	}
	return nil
}
