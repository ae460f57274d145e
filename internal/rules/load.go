package rules

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of a rule. Payload decoding is deferred until
// the type is known.
type document[P any] struct {
	Name     string   `json:"name" yaml:"name"`
	Scope    Scope    `json:"scope" yaml:"scope"`
	Servers  []string `json:"servers" yaml:"servers"`
	Patterns []string `json:"patterns" yaml:"patterns"`
	Type     Kind     `json:"type" yaml:"type"`
	Payload  P        `json:"payload" yaml:"payload"`
	Enabled  *bool    `json:"enabled" yaml:"enabled"`
	Priority int      `json:"priority" yaml:"priority"`
}

type textReplacePayload struct {
	Search  string `json:"search" yaml:"search"`
	Replace string `json:"replace" yaml:"replace"`
	Regex   bool   `json:"regex" yaml:"regex"`
}

type mergePayload struct {
	Merge any `json:"merge" yaml:"merge"`
}

type fileAddPayload struct {
	From      string         `json:"from" yaml:"from"`
	To        string         `json:"to" yaml:"to"`
	Files     []FileAddEntry `json:"files" yaml:"files"`
	Overwrite bool           `json:"overwrite" yaml:"overwrite"`
}

// LoadFile reads rules from a YAML (.yaml, .yml) or JSON (.json) file
func LoadFile(filePath string) ([]Rule, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules []Rule
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		rules, err = ParseJSON(data)
	default:
		rules, err = ParseYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", filePath, err)
	}
	return rules, nil
}

// ParseYAML decodes rules from either a top-level sequence or a mapping with
// a "rules" key.
func ParseYAML(data []byte) ([]Rule, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 {
		return nil, nil
	}

	var docs []document[yaml.Node]
	node := &root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind == yaml.SequenceNode {
		if err := node.Decode(&docs); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Rules []document[yaml.Node] `yaml:"rules"`
		}
		if err := node.Decode(&wrapped); err != nil {
			return nil, err
		}
		docs = wrapped.Rules
	}

	rules := make([]Rule, 0, len(docs))
	for i, doc := range docs {
		payload := doc.Payload
		decode := func(v any) error {
			if payload.Kind == 0 {
				return nil
			}
			return payload.Decode(v)
		}
		rule, err := build(i, doc.Name, doc.Scope, doc.Servers, doc.Patterns, doc.Type, doc.Enabled, doc.Priority, decode)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ParseJSON decodes rules from either a top-level array or an object with a
// "rules" key.
func ParseJSON(data []byte) ([]Rule, error) {
	var docs []document[json.RawMessage]
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
	} else {
		var wrapped struct {
			Rules []document[json.RawMessage] `json:"rules"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		docs = wrapped.Rules
	}

	rules := make([]Rule, 0, len(docs))
	for i, doc := range docs {
		payload := doc.Payload
		decode := func(v any) error {
			if len(payload) == 0 || string(payload) == "null" {
				return nil
			}
			return json.Unmarshal(payload, v)
		}
		rule, err := build(i, doc.Name, doc.Scope, doc.Servers, doc.Patterns, doc.Type, doc.Enabled, doc.Priority, decode)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func build(index int, name string, scope Scope, servers, patterns []string, kind Kind, enabled *bool, priority int, decode func(any) error) (Rule, error) {
	if name == "" {
		name = fmt.Sprintf("rule-%d", index+1)
	}
	rule := Rule{
		Name:     name,
		Scope:    scope,
		Servers:  servers,
		Patterns: patterns,
		Enabled:  enabled == nil || *enabled,
		Priority: priority,
	}
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}

	action, err := DecodeAction(kind, decode)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	rule.Action = action

	if err := rule.Validate(); err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", name, err)
	}
	return rule, nil
}

// DecodeAction builds the typed action for kind, using decode to fill the
// kind-specific payload struct.
func DecodeAction(kind Kind, decode func(any) error) (Action, error) {
	switch kind {
	case KindTextReplace:
		var p textReplacePayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("invalid text_replace payload: %w", err)
		}
		return NewTextReplace(p.Search, p.Replace, p.Regex)

	case KindJSONPatch, KindYAMLPatch:
		var p mergePayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		merge, ok := toStringMap(p.Merge)
		if !ok {
			return nil, fmt.Errorf("%s payload.merge must be an object", kind)
		}
		if kind == KindJSONPatch {
			return JSONPatch{Merge: merge}, nil
		}
		return YAMLPatch{Merge: merge}, nil

	case KindFileAdd:
		var p fileAddPayload
		if err := decode(&p); err != nil {
			return nil, fmt.Errorf("invalid file_add payload: %w", err)
		}
		files := p.Files
		if p.From != "" || p.To != "" {
			files = append([]FileAddEntry{{From: p.From, To: p.To}}, files...)
		}
		return FileAdd{Files: files, Overwrite: p.Overwrite}, nil

	case KindFileRemove:
		return FileRemove{}, nil

	case KindFileSkip:
		return FileSkip{}, nil

	case "":
		return nil, fmt.Errorf("missing rule type")
	}
	return nil, fmt.Errorf("unknown rule type %q", kind)
}

// NewTextReplace builds a TextReplace action, compiling the expression when
// regex is set.
func NewTextReplace(search, replace string, regex bool) (TextReplace, error) {
	a := TextReplace{Search: search, Replace: replace, Regex: regex}
	if regex {
		re, err := regexp.Compile(search)
		if err != nil {
			return TextReplace{}, fmt.Errorf("invalid text_replace regex: %w", err)
		}
		a.re = re
	}
	return a, nil
}

// Validate checks that the rule can be applied
func (r Rule) Validate() error {
	switch r.Scope {
	case ScopeGlobal:
	case ScopeServerSet:
		if len(r.Servers) == 0 {
			return fmt.Errorf("scope server-set requires at least one server")
		}
	default:
		return fmt.Errorf("invalid scope %q (must be global or server-set)", r.Scope)
	}

	if r.Action == nil {
		return fmt.Errorf("missing action")
	}

	switch a := r.Action.(type) {
	case TextReplace:
		if a.Search == "" {
			return fmt.Errorf("text_replace requires a non-empty search")
		}
	case FileAdd:
		if len(a.Files) == 0 {
			return fmt.Errorf("file_add requires from/to or files")
		}
		for _, f := range a.Files {
			if f.From == "" || f.To == "" {
				return fmt.Errorf("file_add entries require both from and to")
			}
			if !isTreeRelative(f.To) {
				return fmt.Errorf("file_add destination %q must stay inside the tree", f.To)
			}
		}
		// file_add targets explicit destinations, patterns are optional
		return nil
	}

	if len(r.Patterns) == 0 {
		return fmt.Errorf("%s requires at least one pattern", r.Action.Kind())
	}
	return nil
}

func isTreeRelative(p string) bool {
	p = filepath.ToSlash(p)
	if strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}

// toStringMap normalises decoded YAML/JSON objects into map[string]any
func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	}
	return nil, false
}
