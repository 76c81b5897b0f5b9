package server

import (
	"sort"

	"github.com/morezero/toolsystem/pkg/tool"
)

// openAPI3 types for generating a spec from the tool registry.
type openAPI3Spec struct {
	OpenAPI string                      `json:"openapi"`
	Info    openAPI3Info                `json:"info"`
	Paths   map[string]openAPI3PathItem `json:"paths"`
}

type openAPI3Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

type openAPI3PathItem struct {
	Post *openAPI3Operation `json:"post,omitempty"`
}

type openAPI3Operation struct {
	Summary     string                      `json:"summary"`
	Description string                      `json:"description,omitempty"`
	OperationID string                      `json:"operationId"`
	Tags        []string                    `json:"tags,omitempty"`
	Parameters  []openAPI3Parameter         `json:"parameters,omitempty"`
	RequestBody *openAPI3RequestBody        `json:"requestBody,omitempty"`
	Responses   map[string]openAPI3Response `json:"responses"`
}

type openAPI3Parameter struct {
	Name        string         `json:"name"`
	In          string         `json:"in"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
}

type openAPI3RequestBody struct {
	Content map[string]openAPI3MediaType `json:"content"`
}

type openAPI3Response struct {
	Description string                       `json:"description"`
	Content     map[string]openAPI3MediaType `json:"content,omitempty"`
}

type openAPI3MediaType struct {
	Schema map[string]any `json:"schema,omitempty"`
}

// resultSchema describes tool.Result.
var resultSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"success": map[string]any{"type": "boolean"},
		"data":    map[string]any{},
		"error": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
				"name":    map[string]any{"type": "string"},
				"code":    map[string]any{"type": "string"},
			},
		},
		"meta": map[string]any{"type": "object"},
	},
}

var callParameters = []openAPI3Parameter{
	{Name: "async", In: "query", Description: "Override the tool's async flag", Schema: map[string]any{"type": "boolean"}},
	{Name: "timeout", In: "query", Description: "Timeout as milliseconds or a Go duration", Schema: map[string]any{"type": "string"}},
}

// buildOpenAPISpec builds an OpenAPI 3.0 spec with one path per registered tool.
func buildOpenAPISpec(reg map[string]map[string]tool.Entry, title, version string) *openAPI3Spec {
	if title == "" {
		title = "toolsystem"
	}
	if version == "" {
		version = "0.0.0"
	}

	providers := make([]string, 0, len(reg))
	for p := range reg {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	paths := make(map[string]openAPI3PathItem)
	for _, p := range providers {
		for name, e := range reg[p] {
			inputSchema := e.Metadata.Schema
			if inputSchema == nil {
				inputSchema = map[string]any{"type": "object"}
			}
			summary := p + ":" + name
			if e.Metadata.Version != "" {
				summary += "@" + e.Metadata.Version
			}
			paths["/tool/"+p+"/"+name] = openAPI3PathItem{
				Post: &openAPI3Operation{
					Summary:     summary,
					Description: e.Metadata.Description,
					OperationID: p + "_" + name,
					Tags:        []string{p},
					Parameters:  callParameters,
					RequestBody: &openAPI3RequestBody{
						Content: map[string]openAPI3MediaType{
							"application/json": {Schema: inputSchema},
						},
					},
					Responses: map[string]openAPI3Response{
						"200": {
							Description: "Success",
							Content: map[string]openAPI3MediaType{
								"application/json": {Schema: resultSchema},
							},
						},
						"404": {Description: "Provider not found"},
						"422": {Description: "Tool returned a failure result"},
						"504": {Description: "Request timed out"},
					},
				},
			}
		}
	}

	return &openAPI3Spec{
		OpenAPI: "3.0.0",
		Info: openAPI3Info{
			Title:       title,
			Description: "Tools registered with this context",
			Version:     version,
		},
		Paths: paths,
	}
}
