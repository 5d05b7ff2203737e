package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	schemaEngagementEvent  = "engagement-event"
	schemaStatusChange     = "status-change"
	schemaWebhookTest      = "webhook-test"
	schemaSubscription     = "webhook-subscription"
	schemaInternalProposal = "internal-proposal"
)

// Bodies are checked for shape here; the domain layer still owns the
// semantic rules (enum parsing, clamping, truncation).
var requestSchemas = map[string]string{
	schemaEngagementEvent: `{
		"type": "object",
		"required": ["event_type", "session_id"],
		"properties": {
			"event_type": {"type": "string", "minLength": 1},
			"session_id": {"type": "string", "minLength": 1},
			"scroll_depth": {"type": ["number", "null"]},
			"time_spent": {"type": ["number", "null"]},
			"section_viewed": {"type": ["string", "null"]},
			"device_type": {"type": ["string", "null"]},
			"referrer": {"type": ["string", "null"]},
			"user_agent": {"type": ["string", "null"]}
		}
	}`,
	schemaStatusChange: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string"},
			"clientName": {"type": ["string", "null"]},
			"clientEmail": {"type": ["string", "null"]},
			"projectValueActual": {"type": ["number", "null"]},
			"winNotes": {"type": ["string", "null"]},
			"lostReason": {"type": ["string", "null"]},
			"addToPortfolio": {"type": ["boolean", "null"]}
		}
	}`,
	schemaWebhookTest: `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1},
			"secret": {"type": ["string", "null"]}
		}
	}`,
	schemaSubscription: `{
		"type": "object",
		"required": ["url", "events"],
		"properties": {
			"url": {"type": "string"},
			"enabled": {"type": "boolean"},
			"events": {"type": "array", "items": {"type": "string"}},
			"secret": {"type": ["string", "null"]}
		}
	}`,
	schemaInternalProposal: `{
		"type": "object",
		"required": ["id", "ownerId"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"ownerId": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"status": {"type": "string"},
			"expiresAt": {"type": ["string", "null"]},
			"expiredAction": {"type": "string"},
			"expiredMessage": {"type": "string"},
			"expiredRedirectUrl": {"type": "string"},
			"clientName": {"type": "string"},
			"clientEmail": {"type": "string"}
		}
	}`,
}

var schemaPrinter = message.NewPrinter(language.English)

type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode schema %s: %w", name, err)
		}
		url := "mem://propozal/" + name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.compiled[name] = compiled
	}
	return set, nil
}

func mustCompileSchemas() *schemaSet {
	set, err := compileSchemas()
	if err != nil {
		panic(err)
	}
	return set
}

func (s *schemaSet) validate(name string, body []byte) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid request body: %s", firstSchemaCause(verr))
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// firstSchemaCause returns the innermost message, which names the field.
func firstSchemaCause(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	location := "/" + strings.Join(err.InstanceLocation, "/")
	return location + ": " + err.ErrorKind.LocalizedString(schemaPrinter)
}
