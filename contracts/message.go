package contracts

import (
	"errors"
	"fmt"
)

// ChangeType identifies the kind of mutation a change event describes
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeRemove ChangeType = "remove"
)

// Valid reports whether t is a known change type
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeRemove:
		return true
	}
	return false
}

// Where identifies a removed record
type Where struct {
	ID string `json:"id"`
}

// ChangeEvent is broadcast after a model instance is created, updated or removed.
// Exactly one of Data and Where is set: Where for removals, Data otherwise.
type ChangeEvent struct {
	Target string     `json:"target"`
	Type   ChangeType `json:"type"`
	Data   any        `json:"data,omitempty"`
	Where  *Where     `json:"where,omitempty"`
}

var (
	ErrInvalidChangeType = errors.New("contracts: invalid change type")
	ErrInvalidChange     = errors.New("contracts: change event must carry exactly one of data or where")
)

// NewChangeEvent builds a change event for the record with the given id
func NewChangeEvent(target string, changeType ChangeType, record any) ChangeEvent {
	event := ChangeEvent{
		Target: target,
		Type:   changeType,
	}
	if changeType == ChangeRemove {
		event.Where = &Where{ID: target}
	} else {
		event.Data = record
	}
	return event
}

// Validate checks the data/where invariant
func (e ChangeEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChangeType, e.Type)
	}
	if e.Type == ChangeRemove {
		if e.Where == nil || e.Data != nil {
			return ErrInvalidChange
		}
		return nil
	}
	if e.Data == nil || e.Where != nil {
		return ErrInvalidChange
	}
	return nil
}
