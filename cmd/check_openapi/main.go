package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultSpecPath = "api/openapi.yaml"

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	OperationID string              `yaml:"operationId"`
	Responses   map[string]response `yaml:"responses"`
}

type response struct {
	Ref     string               `yaml:"$ref"`
	Content map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema schema `yaml:"schema"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// coachRoutes lists every route the coach service serves.
var coachRoutes = map[string][]string{
	"/healthz":                                 {"get"},
	"/api/coach/quota":                         {"get"},
	"/api/coach/sessions":                      {"get", "post"},
	"/api/coach/sessions/{sessionId}":          {"get", "delete"},
	"/api/coach/sessions/{sessionId}/resume":   {"post"},
	"/api/coach/sessions/{sessionId}/messages": {"get", "post"},
	"/api/coach/sessions/{sessionId}/confirm":  {"post"},
	"/api/coach/sessions/{sessionId}/skip":     {"post"},
	"/api/coach/sessions/{sessionId}/navigate": {"post"},
	"/api/coach/sessions/{sessionId}/complete": {"post"},
	"/api/coach/sessions/{sessionId}/draft":    {"get", "put"},
	"/api/coach/arguments/{argumentId}":        {"get"},
	"/api/coach/arguments/{argumentId}/export": {"get"},
}

const errorSchemaRef = "#/components/schemas/ErrorResponse"

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"patch": true, "head": true, "options": true,
}

func main() {
	path := defaultSpecPath
	switch len(os.Args) {
	case 1:
	case 2:
		path = os.Args[1]
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [openapi.yaml]\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(path)
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errSchema); err != nil {
		return err
	}
	if err := validateRoutes(doc); err != nil {
		return err
	}
	return validateErrorResponses(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	for _, field := range []string{"retryAfterSeconds", "currentVersion"} {
		if prop, ok := s.Properties[field]; !ok || prop.Type != "integer" {
			return fmt.Errorf("ErrorResponse.%s must be integer", field)
		}
	}
	return nil
}

func validateRoutes(doc openAPIDoc) error {
	var missing []string
	for path, methods := range coachRoutes {
		item, ok := doc.Paths[path]
		if !ok {
			missing = append(missing, path)
			continue
		}
		ops, err := operations(path, item)
		if err != nil {
			return err
		}
		for _, m := range methods {
			op, ok := ops[m]
			if !ok {
				missing = append(missing, strings.ToUpper(m)+" "+path)
				continue
			}
			if len(op.Responses) == 0 {
				return fmt.Errorf("%s %s declares no responses", strings.ToUpper(m), path)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("undocumented routes: %s", strings.Join(missing, ", "))
	}
	return nil
}

// validateErrorResponses requires every 4xx/5xx JSON response to use the
// shared ErrorResponse schema.
func validateErrorResponses(doc openAPIDoc) error {
	for path, item := range doc.Paths {
		ops, err := operations(path, item)
		if err != nil {
			return err
		}
		for method, op := range ops {
			for status, resp := range op.Responses {
				if !strings.HasPrefix(status, "4") && !strings.HasPrefix(status, "5") {
					continue
				}
				if resp.Ref != "" {
					continue
				}
				media, ok := resp.Content["application/json"]
				if !ok {
					return fmt.Errorf("%s %s %s: error response must be application/json", strings.ToUpper(method), path, status)
				}
				if strings.TrimSpace(media.Schema.Ref) != errorSchemaRef {
					return fmt.Errorf("%s %s %s: error response must reference ErrorResponse", strings.ToUpper(method), path, status)
				}
			}
		}
	}
	return nil
}

// operations decodes the HTTP method entries of a path item, ignoring
// path-level keys such as parameters.
func operations(path string, item map[string]yaml.Node) (map[string]operation, error) {
	out := make(map[string]operation, len(item))
	for key, node := range item {
		if !httpMethods[key] {
			continue
		}
		var op operation
		if err := node.Decode(&op); err != nil {
			return nil, fmt.Errorf("%s %s: %w", strings.ToUpper(key), path, err)
		}
		out[key] = op
	}
	return out, nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
