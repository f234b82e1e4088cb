package cli

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"go.viam.com/annotator/config"
	"go.viam.com/annotator/vision/model"
)

// SchemaAction prints the JSON schema of the config file, with one attribute schema per model
// type.
func SchemaAction(c *cli.Context) error {
	out := struct {
		Config          *jsonschema.Schema            `json:"config"`
		ModelAttributes map[string]*jsonschema.Schema `json:"model_attributes"`
	}{
		Config:          jsonschema.Reflect(&config.Config{}),
		ModelAttributes: model.AttributeSchemas(),
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ModelsAction lists the registered model types.
func ModelsAction(c *cli.Context) error {
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Type", "Attributes"})
	schemas := model.AttributeSchemas()
	for _, typ := range model.RegisteredTypes() {
		var attrs []string
		if s, ok := schemas[typ]; ok {
			attrs = schemaProperties(s)
		}
		t.AppendRow(table.Row{typ, joinOrDash(attrs)})
	}
	t.Render()
	return nil
}

// schemaProperties returns the property names of a reflected struct schema in field order.
func schemaProperties(s *jsonschema.Schema) []string {
	if s.Properties == nil && strings.HasPrefix(s.Ref, defsPrefix) {
		if def, ok := s.Definitions[strings.TrimPrefix(s.Ref, defsPrefix)]; ok {
			s = def
		}
	}
	if s.Properties == nil {
		return nil
	}
	return s.Properties.Keys()
}

const defsPrefix = "#/$defs/"

func joinOrDash(parts []string) string {
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
