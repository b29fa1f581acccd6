package alert

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExportVersion is the current export format version.
const ExportVersion = 1

const schemaURL = "https://ransomwatch.local/schema/alert-export-v1.schema.json"

//go:embed alert.schema.json
var schemaJSON []byte

// Export is the document written by `ransomwatchctl export`.
type Export struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Alerts     []Record  `json:"alerts"`
}

// NewExport wraps records in an export document.
func NewExport(records []Record, now time.Time) Export {
	if records == nil {
		records = []Record{}
	}
	return Export{Version: ExportVersion, ExportedAt: now.UTC(), Alerts: records}
}

// Schema returns the raw JSON schema for exports.
func Schema() []byte {
	return schemaJSON
}

var (
	compiled     *jsonschema.Schema
	compiledErr  error
	compiledOnce sync.Once
)

func exportSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compiledErr = fmt.Errorf("alert: add schema: %w", err)
			return
		}
		compiled, compiledErr = compiler.Compile(schemaURL)
	})
	return compiled, compiledErr
}

// ValidateExport checks an export document against the embedded schema.
func ValidateExport(r io.Reader) error {
	schema, err := exportSchema()
	if err != nil {
		return err
	}

	var instance any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("alert: decode export: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("alert: export invalid: %w", err)
	}
	return nil
}
