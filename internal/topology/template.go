package topology

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateData is what argument templates are rendered with.
//
//	--Endpoints=tcp -h {{ .Host }} -p {{ .Port }}
//	--Ice.ProgramName={{ .Name | upper }}
//	--Port={{ index .Ports .Index }}
type TemplateData struct {
	// Case is the case name.
	Case string
	// Role is the process role, e.g. "client".
	Role string
	// Name is the process name, e.g. "client-2".
	Name string
	// Index is the position of the process in the case, server first.
	Index int
	// Port is the first port of the case's block; servers listen on it.
	Port int
	// Ports is the whole block.
	Ports []int
	// Host is the address processes bind to.
	Host string
}

// renderArgs expands each argument template. An argument rendering to the
// empty string is dropped so templates can be made conditional.
func renderArgs(templates []string, data TemplateData) ([]string, error) {
	out := make([]string, 0, len(templates))
	for i, text := range templates {
		tmpl, err := template.New(fmt.Sprintf("arg%d", i)).
			Option("missingkey=error").
			Funcs(sprig.TxtFuncMap()).
			Parse(text)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", text, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("argument %q: %w", text, err)
		}
		if buf.Len() > 0 {
			out = append(out, buf.String())
		}
	}
	return out, nil
}
