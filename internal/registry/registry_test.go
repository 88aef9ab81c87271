// Copyright 2025 James Ross
package registry

import (
	"encoding/json"
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterAndGet(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(Descriptor{
		ActionID:  "img_metadata",
		MediaType: model.MediaImage,
		Category:  model.CategoryProcess,
	})

	d, err := r.Get("img_metadata")
	require.NoError(t, err)
	require.Equal(t, model.MediaImage, d.MediaType)
}

func TestGetUnknownActionFails(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrActionNotFound)
}

func TestLaterRegistrationWins(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(Descriptor{ActionID: "x", DisplayName: "first"})
	r.Register(Descriptor{ActionID: "x", DisplayName: "second"})

	d, err := r.Get("x")
	require.NoError(t, err)
	require.Equal(t, "second", d.DisplayName)
}

func TestSchemaValidatorRejectsMissingRequiredField(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"width": {"type": "integer"}, "height": {"type": "integer"}},
		"required": ["width", "height"]
	}`)
	validate := SchemaValidator(schema)

	res := validate(json.RawMessage(`{"width": 100}`))
	require.False(t, res.Valid)
	require.NotEmpty(t, res.Messages)

	res = validate(json.RawMessage(`{"width": 100, "height": 50}`))
	require.True(t, res.Valid)
}

func TestSchemaValidatorDefaultsEmptyParamsToObject(t *testing.T) {
	schema := json.RawMessage(`{"type": "object"}`)
	validate := SchemaValidator(schema)
	res := validate(nil)
	require.True(t, res.Valid)
}

func TestListReturnsAllDescriptors(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(Descriptor{ActionID: "a"})
	r.Register(Descriptor{ActionID: "b"})
	require.Len(t, r.List(), 2)
}
