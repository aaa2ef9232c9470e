package dto

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "https://schemas.gema.live/envelope.json"

//go:embed schemas/envelope.schema.json
var envelopeSchema []byte

// EnvelopeValidator checks raw push frames against the envelope JSON schema.
type EnvelopeValidator struct {
	schema *jsonschema.Schema
}

// NewEnvelopeValidator compiles the embedded envelope schema.
func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, bytes.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("load envelope schema: %w", err)
	}

	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	return &EnvelopeValidator{schema: schema}, nil
}

// Validate reports whether raw is a well-formed envelope.
func (v *EnvelopeValidator) Validate(raw []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if err := v.schema.Validate(document); err != nil {
		return fmt.Errorf("frame rejected by schema: %w", err)
	}
	return nil
}

// Parse validates raw and decodes it into an Envelope.
func (v *EnvelopeValidator) Parse(raw []byte) (Envelope, error) {
	if err := v.Validate(raw); err != nil {
		return Envelope{}, err
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return envelope, nil
}
