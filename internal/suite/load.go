package suite

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tracebed/internal/trace"
)

//go:embed suite.schema.json
var schemaJSON []byte

//go:embed suite.cue
var schemaCUE []byte

// Format is a suite description syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", fmt.Errorf("unsupported suite file extension %q (want .yaml, .yml, .json or .cue)", filepath.Ext(path))
}

// Load reads, parses and validates a suite file.
func Load(path string, reg *trace.Registry) (*Suite, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	s, err := Parse(data, format, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	s.Path = path

	if err := Validate(s, reg); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse decodes a suite description without validating it.
// filename is used in CUE error positions only.
func Parse(data []byte, format Format, filename string) (*Suite, error) {
	switch format {
	case FormatYAML, FormatJSON:
		return decodeDocument(data)
	case FormatCUE:
		return decodeCUE(data, filename)
	}
	return nil, fmt.Errorf("unsupported suite format %q", format)
}

// decodeDocument validates a YAML or JSON document against the suite schema,
// then decodes it strictly. JSON documents are valid YAML.
func decodeDocument(data []byte) (*Suite, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidSuite, Message: "failed to parse suite", Err: err}
	}
	if err := checkSchema(doc); err != nil {
		return nil, err
	}

	var s Suite
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidSuite, Message: "failed to decode suite", Err: err}
	}
	return &s, nil
}

var (
	suiteSchema        *jsonschema.Schema
	suiteSchemaErr     error
	suiteSchemaCompile sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	suiteSchemaCompile.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			suiteSchemaErr = fmt.Errorf("unmarshal suite schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("suite.schema.json", doc); err != nil {
			suiteSchemaErr = fmt.Errorf("add suite schema resource: %w", err)
			return
		}
		suiteSchema, suiteSchemaErr = compiler.Compile("suite.schema.json")
	})
	return suiteSchema, suiteSchemaErr
}

// checkSchema validates a generic decoded document against the suite schema.
// The document is round-tripped through JSON so YAML-specific scalar types
// reach the validator as plain JSON values.
func checkSchema(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return &ConfigError{Code: ErrCodeInvalidSuite, Message: "suite is not a JSON-compatible document", Err: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ConfigError{Code: ErrCodeInvalidSuite, Message: "failed to re-read suite document", Err: err}
	}

	if err := schema.Validate(inst); err != nil {
		msg := err.Error()
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			msg = firstLeaf(ve)
		}
		return &ConfigError{Code: ErrCodeInvalidSuite, Message: "schema violation: " + msg, Err: err}
	}
	return nil
}

// firstLeaf returns the most specific message of a validation error tree.
func firstLeaf(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := "/" + strings.Join(ve.InstanceLocation, "/")
	return fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(message.NewPrinter(language.English)))
}

// decodeCUE unifies a CUE suite with the #Suite definition and decodes the
// resulting concrete value through the same path as YAML and JSON.
func decodeCUE(data []byte, filename string) (*Suite, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("suite.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile suite definition: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Suite"))

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidSuite, Message: cueMessage(err), Err: err}
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidSuite, Message: cueMessage(err), Err: err}
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidSuite, Message: cueMessage(err), Err: err}
	}
	return decodeDocument(raw)
}

func cueMessage(err error) string {
	return strings.TrimSpace(cueerrors.Details(err, nil))
}
