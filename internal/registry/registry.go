// Copyright 2025 James Ross
// Package registry implements the process-local Action Registry (C1): a
// read-mostly catalog mapping actionId to a descriptor carrying its media
// type, category, JSON-Schema validator, and executor.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// ValidationResult is the outcome of validating a job's parameters against an
// action's declared input schema.
type ValidationResult struct {
	Valid    bool
	Messages []string
}

// ActionOutcome is the tagged value an executor produces. Exactly one of the
// three branches is populated, selected by Kind.
type ActionOutcome struct {
	Kind OutcomeKind

	// FILE
	Bytes    []byte
	MimeType string
	Filename string
	Metadata json.RawMessage

	// FILES
	Files []FileOutcome

	// JSON
	Data json.RawMessage
}

type OutcomeKind string

const (
	OutcomeFile  OutcomeKind = "FILE"
	OutcomeFiles OutcomeKind = "FILES"
	OutcomeJSON  OutcomeKind = "JSON"
)

// FileOutcome is one element of a FILES outcome.
type FileOutcome struct {
	Bytes    []byte
	MimeType string
	Filename string
}

// ActionContext is passed to an executor (spec.md §6).
type ActionContext struct {
	Ctx            context.Context
	Bytes          []byte
	FileInfo       FileInfo
	Params         json.RawMessage
	OrganizationID string
	UserID         *string
	JobID          string
}

// FileInfo carries the minimal input-media facts an executor needs.
type FileInfo struct {
	MimeType      string
	FileSizeBytes int64
	Metadata      json.RawMessage
}

// Executor is the only side-effecting entry point of an action. Executors
// are assumed safe for concurrent invocation across distinct inputs.
type Executor func(ActionContext) (ActionOutcome, error)

// Validator is a pure function validating an action's raw JSON parameters.
type Validator func(params json.RawMessage) ValidationResult

// Descriptor fully describes one registered action.
type Descriptor struct {
	ActionID     string
	DisplayName  string
	MediaType    model.MediaType
	Category     model.ActionCategory
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Validate     Validator
	Execute      Executor
}

// Registry is the process-local action catalog. It is populated once at
// startup (Register) and then treated as read-only (Get/List); Register
// itself is goroutine-safe should late registration ever be needed (e.g. in
// tests), but the hot paths never mutate it.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Descriptor
	log  *zap.Logger
}

func New(log *zap.Logger) *Registry {
	return &Registry{byID: map[string]Descriptor{}, log: log}
}

// Register adds a descriptor. Registering the same actionId twice is a
// logged warning; the later registration wins (spec.md §4.1).
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ActionID]; exists && r.log != nil {
		r.log.Warn("action re-registered, later registration wins",
			zap.String("action_id", d.ActionID))
	}
	r.byID[d.ActionID] = d
}

// ErrActionNotFound is returned by Get when actionId is unknown.
var ErrActionNotFound = fmt.Errorf("ACTION_NOT_FOUND")

// Get looks up a descriptor by id.
func (r *Registry) Get(actionID string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[actionID]
	if !ok {
		return Descriptor{}, fmt.Errorf("action %q: %w", actionID, ErrActionNotFound)
	}
	return d, nil
}

// List returns every registered descriptor.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	return out
}

// SchemaValidator builds a Validator from a JSON Schema draft-7 document
// using gojsonschema. The actions in internal/actions do not use it; those
// that validate parameters register hand-written validators.
func SchemaValidator(schema json.RawMessage) Validator {
	loader := gojsonschema.NewBytesLoader(schema)
	return func(params json.RawMessage) ValidationResult {
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		docLoader := gojsonschema.NewBytesLoader(params)
		result, err := gojsonschema.Validate(loader, docLoader)
		if err != nil {
			return ValidationResult{Valid: false, Messages: []string{err.Error()}}
		}
		if result.Valid() {
			return ValidationResult{Valid: true}
		}
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return ValidationResult{Valid: false, Messages: msgs}
	}
}
