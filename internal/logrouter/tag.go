package logrouter

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// DefaultTag renders the bare service name.
const DefaultTag = "{{.Name}}"

// TagContext is the data available to a sink's tag template.
type TagContext struct {
	Stack      string
	Name       string
	InstanceID string
	ShortID    string
}

// RenderTag executes a tag template such as "{{.Stack}}/{{.Name}}/{{.ShortID}}".
// An empty template renders DefaultTag.
func RenderTag(tmpl string, data TagContext) (string, error) {
	if tmpl == "" {
		tmpl = DefaultTag
	}
	if data.ShortID == "" {
		data.ShortID = ShortID(data.InstanceID)
	}
	t, err := template.New("tag").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse log tag %q: %w", tmpl, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render log tag %q: %w", tmpl, err)
	}
	return buf.String(), nil
}

// ShortID is the first 12 hex characters of an instance ID.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
