package api

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"iotagent/internal/pkg"
)

const attributeListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"name":       {"type": "string"},
			"type":       {"type": "string"},
			"object_id":  {"type": "string"},
			"expression": {"type": "string"},
			"reverse":    {"type": "array"}
		}
	}
}`

var deviceSchema = mustSchema(`{
	"type": "object",
	"required": ["devices"],
	"properties": {
		"devices": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["device_id"],
				"properties": {
					"device_id":         {"type": "string", "minLength": 1},
					"entity_name":       {"type": "string"},
					"entity_type":       {"type": "string"},
					"timezone":          {"type": "string"},
					"polling":           {"type": "boolean"},
					"timestamp":         {"type": "boolean"},
					"explicitAttrs":     {"type": "boolean"},
					"attributes":        ` + attributeListSchema + `,
					"lazy":              ` + attributeListSchema + `,
					"commands":          ` + attributeListSchema + `,
					"static_attributes": ` + attributeListSchema + `
				}
			}
		}
	}
}`)

var deviceUpdateSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"entity_name":       {"type": "string"},
		"entity_type":       {"type": "string"},
		"attributes":        ` + attributeListSchema + `,
		"lazy":              ` + attributeListSchema + `,
		"commands":          ` + attributeListSchema + `,
		"static_attributes": ` + attributeListSchema + `
	}
}`)

const groupItemSchema = `{
	"type": "object",
	"required": ["apikey"],
	"properties": {
		"apikey":            {"type": "string"},
		"resource":          {"type": "string"},
		"entity_type":       {"type": "string"},
		"cbHost":            {"type": "string"},
		"autoprovision":     {"type": "boolean"},
		"timestamp":         {"type": "boolean"},
		"explicitAttrs":     {"type": "boolean"},
		"attributes":        ` + attributeListSchema + `,
		"lazy":              ` + attributeListSchema + `,
		"commands":          ` + attributeListSchema + `,
		"static_attributes": ` + attributeListSchema + `
	}
}`

var groupSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"services": {"type": "array", "items": ` + groupItemSchema + `},
		"groups":   {"type": "array", "items": ` + groupItemSchema + `}
	},
	"anyOf": [{"required": ["services"]}, {"required": ["groups"]}]
}`)

var groupUpdateSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"entity_type": {"type": "string"},
		"attributes":  ` + attributeListSchema + `,
		"lazy":        ` + attributeListSchema + `,
		"commands":    ` + attributeListSchema + `
	}
}`)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return schema
}

// validate 请求体不是合法 JSON 或不符合 schema 时返回 WrongSyntax
func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return pkg.NewWrongSyntax(string(body))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	wrong := pkg.NewWrongSyntax(string(body))
	wrong.Details = msgs
	wrong.Message = wrong.Message + ": " + strings.Join(msgs, "; ")
	return wrong
}
