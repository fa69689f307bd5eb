package httpserver

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	addressPattern   = `^0x[0-9a-fA-F]{40}$`
	signaturePattern = `^0x[0-9a-fA-F]{130}$`
)

var attestationSchema = mustSchema(`{
	"type": "object",
	"required": ["referrer", "referee", "nonce", "issued_at", "signature"],
	"additionalProperties": false,
	"properties": {
		"referrer":  {"type": "string", "pattern": "` + addressPattern + `"},
		"referee":   {"type": "string", "pattern": "` + addressPattern + `"},
		"nonce":     {"type": "string", "pattern": "^[0-9]{1,78}$"},
		"issued_at": {"type": "integer", "minimum": 1},
		"signature": {"type": "string", "pattern": "` + signaturePattern + `"}
	}
}`)

var revokeSchema = mustSchema(`{
	"type": "object",
	"required": ["reason", "signature"],
	"additionalProperties": false,
	"properties": {
		"reason":    {"type": "string", "maxLength": 1024},
		"signature": {"type": "string", "pattern": "` + signaturePattern + `"}
	}
}`)

var rotateSchema = mustSchema(`{
	"type": "object",
	"required": ["new_issuer", "effective_at", "epoch", "signature"],
	"additionalProperties": false,
	"properties": {
		"new_issuer":   {"type": "string", "pattern": "` + addressPattern + `"},
		"effective_at": {"type": "integer", "minimum": 1},
		"epoch":        {"type": "integer", "minimum": 0},
		"signature":    {"type": "string", "pattern": "` + signaturePattern + `"}
	}
}`)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// validateBody checks a raw JSON body against schema and joins all violations into one error.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var b strings.Builder
	for _, e := range result.Errors() {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.String())
	}
	return fmt.Errorf("request validation failed: %s", b.String())
}
