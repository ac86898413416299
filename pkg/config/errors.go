package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across the loader, validator, and
// registry.
var (
	ErrInvalidYAML          = errors.New("invalid YAML syntax")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid field value")
)

// ValidationError carries enough context to point the operator at the
// offending config entry: the section, the named item inside it when there
// is one, and the field.
type ValidationError struct {
	Section string
	ID      string
	Field   string
	Err     error
}

func NewValidationError(section, id, field string, err error) *ValidationError {
	return &ValidationError{Section: section, ID: id, Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	switch {
	case e.ID != "" && e.Field != "":
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Section, e.ID, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Section, e.Err)
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LoadError names the file that failed to load.
type LoadError struct {
	File string
	Err  error
}

func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.File, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }
