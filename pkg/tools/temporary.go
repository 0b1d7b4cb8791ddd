package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/httpclient"
)

// RequestTemplate declares a temporary tool as an HTTP call whose URL,
// headers and body are rendered against the invocation parameters with
// {{param}} placeholders.
type RequestTemplate struct {
	Method       string            `json:"method" jsonschema:"title=method,description=HTTP method"`
	URLTemplate  string            `json:"url_template" jsonschema:"title=url_template,description=URL with {{param}} placeholders"`
	Headers      map[string]string `json:"headers,omitempty" jsonschema:"title=headers,description=Static or templated request headers"`
	BodyTemplate string            `json:"body_template,omitempty" jsonschema:"title=body_template,description=Request body with {{param}} placeholders"`
}

// RequestTemplateSchema is the JSON schema clients submit temporary tool
// definitions against.
func RequestTemplateSchema() map[string]any {
	return SchemaFor[RequestTemplate]()
}

func (t *RequestTemplate) Validate() error {
	switch strings.ToUpper(t.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return fmt.Errorf("unsupported method: %s", t.Method)
	}
	if t.URLTemplate == "" {
		return fmt.Errorf("url_template is required")
	}
	parsed, err := url.Parse(templateSkeleton(t.URLTemplate))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("url_template must be a valid http(s) URL")
	}
	return nil
}

// templateSkeleton replaces placeholders so the URL shape can be checked.
func templateSkeleton(template string) string {
	return renderTemplate(template, func(string) string { return "x" })
}

func renderTemplate(template string, lookup func(string) string) string {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		name := strings.TrimSpace(rest[start+2 : start+end])
		b.WriteString(lookup(name))
		rest = rest[start+end+2:]
	}
}

// TemporaryTool executes a RequestTemplate.
type TemporaryTool struct {
	name        string
	description string
	parameters  []ToolParameter
	template    RequestTemplate
	httpClient  *httpclient.Client
}

func NewTemporaryTool(name, description string, parameters []ToolParameter, template RequestTemplate) (*TemporaryTool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if err := template.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request template: %w", err)
	}
	return &TemporaryTool{
		name:        name,
		description: description,
		parameters:  parameters,
		template:    template,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}, nil
}

func (t *TemporaryTool) GetName() string        { return t.name }
func (t *TemporaryTool) GetDescription() string { return t.description }

func (t *TemporaryTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *TemporaryTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	for _, param := range t.parameters {
		if param.Required {
			if _, ok := args[param.Name]; !ok {
				err := fmt.Errorf("missing required parameter: %s", param.Name)
				return errorResult(t.name, err.Error()), err
			}
		}
	}

	lookup := func(name string) string {
		if value, ok := args[name]; ok {
			return fmt.Sprint(value)
		}
		return ""
	}
	urlLookup := func(name string) string {
		return url.QueryEscape(lookup(name))
	}

	target := renderTemplate(t.template.URLTemplate, urlLookup)
	var body io.Reader
	rendered := ""
	if t.template.BodyTemplate != "" {
		rendered = renderTemplate(t.template.BodyTemplate, lookup)
		body = strings.NewReader(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(t.template.Method), target, body)
	if err != nil {
		return errorResult(t.name, err.Error()), err
	}
	if rendered != "" {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(rendered)), nil
		}
		if _, ok := t.template.Headers["Content-Type"]; !ok {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	for key, value := range t.template.Headers {
		req.Header.Set(key, renderTemplate(value, lookup))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return errorResult(t.name, err.Error()), err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errorResult(t.name, err.Error()), err
	}

	result := successResult(t.name, string(data), map[string]any{
		"status_code": resp.StatusCode,
		"url":         target,
	})
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		result.Output = parsed
	}
	return result, nil
}
