package domain

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseArtifact splits a Markdown artifact into its typed front-matter
// and body. The front-matter sits between the leading "---" fences.
func ParseArtifact(data []byte) (*ArtifactMeta, string, error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return nil, "", Ef(CodeFrontmatter, "artifact.parse", "missing front-matter fence")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, "", Ef(CodeFrontmatter, "artifact.parse", "unterminated front-matter fence")
	}
	var meta ArtifactMeta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, "", E(CodeFrontmatter, "artifact.parse", err)
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	if meta.ID == "" || meta.Type == "" {
		return nil, "", Ef(CodeFrontmatter, "artifact.parse", "front-matter missing id or type")
	}
	return &meta, body, nil
}
