// Package skills discovers Skill directories a client can expose as
// instructable bundles alongside its upstream tool servers: a directory
// carrying a SKILL.md file with YAML frontmatter plus an optional body of
// instructions, and optional scripts/references/assets subdirectories.
package skills

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is a SKILL.md file's YAML frontmatter.
type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Version     string   `yaml:"version,omitempty"`
	License     string   `yaml:"license,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Definition is one discovered skill: its parsed frontmatter, the markdown
// body following it, and the relative paths of any scripts/references/
// assets it ships alongside SKILL.md.
type Definition struct {
	Metadata    Metadata
	Body        string
	Dir         string
	SourcePath  string
	Scripts     []string
	References  []string
	Assets      []string
	ContentHash string
	Enabled     bool
}

// ContentHashOfFile returns the first 16 bytes of the file's SHA-256 digest
// as a 32-character hex string, used to fingerprint a skill's SKILL.md so a
// client can tell whether a previously-approved skill's instructions
// changed underneath it.
func ContentHashOfFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s for hashing: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:16]), nil
}

// ParseSkillMD splits a SKILL.md file's contents into its YAML frontmatter
// and markdown body. The file must open with a "---" delimiter line and
// close the frontmatter block with a second "---" line.
func ParseSkillMD(content string) (Metadata, string, error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return Metadata{}, "", fmt.Errorf("SKILL.md must start with a '---' frontmatter delimiter")
	}

	afterFirst := trimmed[3:]
	endPos := strings.Index(afterFirst, "\n---")
	if endPos < 0 {
		return Metadata{}, "", fmt.Errorf("SKILL.md missing closing '---' frontmatter delimiter")
	}

	frontmatter := strings.TrimSpace(afterFirst[:endPos])
	bodyStart := 3 + endPos + 4
	var body string
	if bodyStart < len(trimmed) {
		body = strings.TrimSpace(trimmed[bodyStart:])
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return Metadata{}, "", fmt.Errorf("parsing SKILL.md frontmatter: %w", err)
	}
	if meta.Name == "" {
		return Metadata{}, "", fmt.Errorf("SKILL.md frontmatter must include a non-empty 'name' field")
	}
	return meta, body, nil
}

// listSubdirFiles returns the sorted, "subdir/filename"-relative paths of
// every regular file directly inside dir/subdir, or nil if that
// subdirectory doesn't exist.
func listSubdirFiles(dir, subdir string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, subdir))
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, subdir+"/"+e.Name())
		}
	}
	sort.Strings(files)
	return files
}

// loadFromDir attempts to load skillDir as a single skill, returning ok=false
// if it has no SKILL.md or SKILL.md fails to parse.
func loadFromDir(skillDir, sourcePath string) (Definition, bool) {
	skillMDPath := filepath.Join(skillDir, "SKILL.md")
	info, err := os.Stat(skillMDPath)
	if err != nil || info.IsDir() {
		return Definition{}, false
	}

	content, err := os.ReadFile(skillMDPath)
	if err != nil {
		return Definition{}, false
	}
	meta, body, err := ParseSkillMD(string(content))
	if err != nil {
		return Definition{}, false
	}
	hash, err := ContentHashOfFile(skillMDPath)
	if err != nil {
		hash = ""
	}

	return Definition{
		Metadata:    meta,
		Body:        body,
		Dir:         skillDir,
		SourcePath:  sourcePath,
		Scripts:     listSubdirFiles(skillDir, "scripts"),
		References:  listSubdirFiles(skillDir, "references"),
		Assets:      listSubdirFiles(skillDir, "assets"),
		ContentHash: hash,
		Enabled:     true,
	}, true
}

// Discover scans path for skills: if path itself contains a SKILL.md it is
// a single skill, otherwise every immediate subdirectory carrying a
// SKILL.md is discovered as its own skill. Archive-based discovery
// (.zip/.skill bundles) is not implemented — see DESIGN.md.
func Discover(path string) ([]Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat skill path %s: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skill path %s is not a directory", path)
	}

	if def, ok := loadFromDir(path, path); ok {
		return []Definition{def}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading skill directory %s: %w", path, err)
	}
	var defs []Definition
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(path, e.Name())
		if def, ok := loadFromDir(sub, path); ok {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Metadata.Name < defs[j].Metadata.Name })
	return defs, nil
}
