package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Validator compiles schema bodies and validates payloads against them.
// Compiled schemas are cached by body fingerprint.
type Validator struct {
	mu      sync.RWMutex
	cache   map[string]*jsonschema.Schema
	printer *message.Printer
}

// NewValidator creates a new schema validator.
func NewValidator() *Validator {
	return &Validator{
		cache:   make(map[string]*jsonschema.Schema),
		printer: message.NewPrinter(language.English),
	}
}

// Fingerprint returns the hex SHA-256 of a schema body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Compile checks that body is a valid JSON schema and caches the result.
func (v *Validator) Compile(body json.RawMessage) error {
	_, err := v.compile(body)
	return err
}

// Validate checks payload against body. A failing payload yields a
// *ValidationError listing one violation per leaf error.
func (v *Validator) Validate(s *Schema, payload json.RawMessage) error {
	compiled, err := v.compile(s.Body)
	if err != nil {
		return err
	}

	// Numbers decode as json.Number so large integers keep their precision.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{
			EventType:  s.EventType,
			Version:    s.Version,
			Violations: []string{"(root): payload is not valid JSON: " + err.Error()},
		}
	}

	err = compiled.Validate(doc)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("schema: validate %s@%s: %w", s.EventType, s.Version, err)
	}

	return &ValidationError{
		EventType:  s.EventType,
		Version:    s.Version,
		Violations: v.violations(ve),
	}
}

// InvalidateCache drops every compiled schema.
func (v *Validator) InvalidateCache() {
	v.mu.Lock()
	v.cache = make(map[string]*jsonschema.Schema)
	v.mu.Unlock()
}

// Len returns the number of cached compiled schemas.
func (v *Validator) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

func (v *Validator) compile(body json.RawMessage) (*jsonschema.Schema, error) {
	key := Fingerprint(body)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	url := "backbone://schema/" + key

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()

	return compiled, nil
}

func (v *Validator) violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			if len(e.InstanceLocation) == 0 {
				loc = "(root)"
			}
			out = append(out, loc+": "+e.ErrorKind.LocalizedString(v.printer))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
