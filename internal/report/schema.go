package report

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed report.schema.json
var schemaJSON []byte

// Schema returns the JSON Schema of the report document.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

var (
	reportSchema        *jsonschema.Schema
	reportSchemaErr     error
	reportSchemaCompile sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	reportSchemaCompile.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			reportSchemaErr = fmt.Errorf("unmarshal report schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("report.schema.json", doc); err != nil {
			reportSchemaErr = fmt.Errorf("add report schema resource: %w", err)
			return
		}
		reportSchema, reportSchemaErr = compiler.Compile("report.schema.json")
	})
	return reportSchema, reportSchemaErr
}

// Validate checks an encoded report against the report schema.
func Validate(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("report is not valid JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			for len(ve.Causes) > 0 {
				ve = ve.Causes[0]
			}
			return fmt.Errorf("report violates schema at /%s: %s",
				strings.Join(ve.InstanceLocation, "/"),
				ve.ErrorKind.LocalizedString(message.NewPrinter(language.English)))
		}
		return err
	}
	return nil
}
