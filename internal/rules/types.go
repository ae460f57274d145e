package rules

import (
	"regexp"
	"slices"
)

// Kind names a rule type as it appears in rule files
type Kind string

const (
	KindTextReplace Kind = "text_replace"
	KindJSONPatch   Kind = "json_patch"
	KindYAMLPatch   Kind = "yaml_patch"
	KindFileAdd     Kind = "file_add"
	KindFileRemove  Kind = "file_remove"
	KindFileSkip    Kind = "file_skip"
)

// Scope controls which targets a rule applies to
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeServerSet Scope = "server-set"
)

// Rule is an operator-defined content transformation. The engine never
// mutates rules.
type Rule struct {
	Name     string
	Scope    Scope
	Servers  []string // targets a server-set rule applies to
	Patterns []string
	Enabled  bool
	Priority int
	Action   Action
}

// AppliesTo reports whether the rule is enabled and in scope for target
func (r Rule) AppliesTo(target string) bool {
	if !r.Enabled || r.Action == nil {
		return false
	}
	switch r.Scope {
	case ScopeGlobal, "":
		return true
	case ScopeServerSet:
		return slices.Contains(r.Servers, target)
	}
	return false
}

// Action is the typed payload of a rule. The set of implementations is closed.
type Action interface {
	Kind() Kind
	isAction()
}

// TextReplace replaces every occurrence of Search in the whole file content
type TextReplace struct {
	Search  string
	Replace string
	Regex   bool

	re *regexp.Regexp
}

// JSONPatch deep-merges Merge into JSON documents
type JSONPatch struct {
	Merge map[string]any
}

// YAMLPatch deep-merges Merge into YAML documents
type YAMLPatch struct {
	Merge map[string]any
}

// FileAdd copies external files into the prepared tree
type FileAdd struct {
	Files     []FileAddEntry
	Overwrite bool
}

// FileAddEntry maps an external source file to a tree-relative destination
type FileAddEntry struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// FileRemove deletes matching files from the prepared tree
type FileRemove struct{}

// FileSkip excludes matching paths from preparation, diffing and deployment
type FileSkip struct{}

func (TextReplace) Kind() Kind { return KindTextReplace }
func (JSONPatch) Kind() Kind   { return KindJSONPatch }
func (YAMLPatch) Kind() Kind   { return KindYAMLPatch }
func (FileAdd) Kind() Kind     { return KindFileAdd }
func (FileRemove) Kind() Kind  { return KindFileRemove }
func (FileSkip) Kind() Kind    { return KindFileSkip }

func (TextReplace) isAction() {}
func (JSONPatch) isAction()   {}
func (YAMLPatch) isAction()   {}
func (FileAdd) isAction()     {}
func (FileRemove) isAction()  {}
func (FileSkip) isAction()    {}
