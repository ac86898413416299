package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in raw YAML with
// environment values before parsing. Template syntax instead of $VAR keeps
// literal dollar signs intact; shell command strings and regex patterns
// both appear routinely in this file.
//
// An unset variable renders as the empty string; the validator is what
// rejects required fields left empty. Bytes that fail to parse or execute
// as a template pass through unchanged so the YAML parser can report the
// real problem.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment as template data.
func environMap() map[string]string {
	environ := os.Environ()
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			m[key] = value
		}
	}
	return m
}
