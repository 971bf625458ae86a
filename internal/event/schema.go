// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package event

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema"
	"github.com/tidwall/gjson"
)

// ErrInvalidEvent is returned for encoded events that violate the schema.
var ErrInvalidEvent = errors.New("invalid event")

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "event.json"

var countryCodePattern = regexp.MustCompile(
	gjson.GetBytes(schemaJSON, "properties.country_code.pattern").String(),
)

// ValidCountryCode reports whether code is accepted as an event's
// country_code.
func ValidCountryCode(code string) bool {
	return countryCodePattern.MatchString(code)
}

// Validator checks encoded events against the event JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded event schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load event schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate returns an error wrapping ErrInvalidEvent if doc does not conform.
func (v *Validator) Validate(doc []byte) error {
	if err := v.schema.Validate(bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
