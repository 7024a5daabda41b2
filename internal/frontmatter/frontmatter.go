// Package frontmatter splits YAML front matter from document content.
package frontmatter

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

var delimiter = []byte("---")

// Split separates a document into its YAML front matter and body. Documents
// without front matter return nil metadata and the input unchanged.
//
// Front matter must start on the first line:
//
//	---
//	title: Home
//	---
//	body...
func Split(data []byte) (map[string]any, []byte, error) {
	rest, ok := bytes.CutPrefix(data, delimiter)
	if !ok {
		return nil, data, nil
	}
	rest, ok = bytes.CutPrefix(rest, []byte("\n"))
	if !ok {
		// "---" without a newline is a horizontal rule, not front matter.
		return nil, data, nil
	}

	end := bytes.Index(rest, append([]byte("\n"), delimiter...))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated front matter")
	}

	var meta map[string]any
	if err := yaml.Unmarshal(rest[:end], &meta); err != nil {
		return nil, nil, fmt.Errorf("invalid front matter: %w", err)
	}

	body := rest[end+1+len(delimiter):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return meta, body, nil
}
