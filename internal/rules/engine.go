package rules

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/fsutil"
	"github.com/schaermu/packdeploy/internal/pathmatch"
)

// Options carries per-invocation inputs for Apply
type Options struct {
	// Target is the server name used to select server-set rules
	Target string
	// AssetsDir resolves relative file_add sources
	AssetsDir string
	// SkipPatterns are excluded in addition to file_skip rule patterns
	SkipPatterns []string
}

// AppliedRule records which files a rule changed
type AppliedRule struct {
	Name  string   `json:"name"`
	Kind  Kind     `json:"kind"`
	Files []string `json:"files"`
}

// Result describes a prepared tree
type Result struct {
	PreparedPath string        `json:"prepared_path"`
	SkipPatterns []string      `json:"skip_patterns"`
	Applied      []AppliedRule `json:"applied"`
}

// Skip returns a matcher over the result's skip patterns
func (r *Result) Skip() *pathmatch.Matcher {
	return pathmatch.New(r.SkipPatterns...)
}

// Engine applies rules to staged trees
type Engine struct {
	workDir string
	logger  *slog.Logger
}

// NewEngine creates a rule engine that allocates prepared trees under workDir
func NewEngine(workDir string, logger *slog.Logger) *Engine {
	return &Engine{workDir: workDir, logger: logger}
}

// Select returns the rules that apply to target, highest priority first.
// Rules with equal priority keep their input order.
func Select(rules []Rule, target string) []Rule {
	selected := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesTo(target) {
			selected = append(selected, r)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Priority > selected[j].Priority
	})
	return selected
}

// SkipPatterns collects the patterns of every file_skip rule in rules
func SkipPatterns(rules []Rule) []string {
	var patterns []string
	for _, r := range rules {
		if _, ok := r.Action.(FileSkip); ok {
			patterns = append(patterns, r.Patterns...)
		}
	}
	return patterns
}

// Apply copies sourceTree into a new prepared tree and applies every
// selected rule to it in priority order. A rule is not exclusive: later
// rules see and may change the output of earlier ones.
//
// Selected rules are validated first. Malformed JSON/YAML files are logged
// and left unchanged. Any local I/O failure aborts the call.
func (e *Engine) Apply(sourceTree string, rules []Rule, opts Options) (*Result, error) {
	selected := Select(rules, opts.Target)
	for _, rule := range selected {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}

	skipPatterns := append(append([]string(nil), opts.SkipPatterns...), SkipPatterns(selected)...)
	skip := pathmatch.New(skipPatterns...)

	prepared := filepath.Join(e.workDir, "prepared-"+uuid.NewString())
	e.logger.Info("preparing tree",
		"source", sourceTree,
		"dest", prepared,
		"rules", len(selected),
		"skip_patterns", len(skipPatterns))

	err := fsutil.CopyTree(sourceTree, prepared, func(rel string, _ bool) bool {
		return skip.Match(rel)
	})
	if err != nil {
		return nil, apperr.IO("copy source tree", sourceTree, err)
	}

	result := &Result{
		PreparedPath: prepared,
		SkipPatterns: skip.Patterns(),
	}

	for _, rule := range selected {
		files, err := e.applyRule(prepared, rule, opts)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		e.logger.Debug("rule applied", "rule", rule.Name, "type", rule.Action.Kind(), "files", len(files))
		result.Applied = append(result.Applied, AppliedRule{
			Name:  rule.Name,
			Kind:  rule.Action.Kind(),
			Files: files,
		})
	}

	return result, nil
}

func (e *Engine) applyRule(tree string, rule Rule, opts Options) ([]string, error) {
	switch a := rule.Action.(type) {
	case FileSkip:
		// handled while copying the source tree
		return nil, nil
	case FileAdd:
		return e.addFiles(tree, a, opts.AssetsDir)
	}

	matcher := pathmatch.New(rule.Patterns...)
	files, err := fsutil.Walk(tree, nil)
	if err != nil {
		return nil, apperr.IO("walk prepared tree", tree, err)
	}

	var changed []string
	for _, rel := range files {
		if !matcher.Match(rel) {
			continue
		}
		abs := filepath.Join(tree, filepath.FromSlash(rel))

		var ok bool
		switch a := rule.Action.(type) {
		case FileRemove:
			if err := os.Remove(abs); err != nil {
				return nil, apperr.IO("remove file", rel, err)
			}
			ok = true
		case TextReplace:
			ok, err = rewrite(abs, func(data []byte) ([]byte, error) {
				return a.apply(data)
			})
		case JSONPatch:
			ok, err = rewrite(abs, func(data []byte) ([]byte, error) {
				return patchJSON(data, a.Merge)
			})
		case YAMLPatch:
			ok, err = rewrite(abs, func(data []byte) ([]byte, error) {
				return patchYAML(data, a.Merge)
			})
		default:
			return nil, fmt.Errorf("unsupported action %T", a)
		}

		if err != nil {
			if errors.Is(err, apperr.ErrPatch) {
				e.logger.Warn("skipping malformed file", "rule", rule.Name, "path", rel, "error", err)
				continue
			}
			return nil, err
		}
		if ok {
			changed = append(changed, rel)
		}
	}
	return changed, nil
}

// rewrite feeds the file content through fn and writes the result back when
// it differs. errSkipFile from fn leaves the file untouched.
func rewrite(abs string, fn func([]byte) ([]byte, error)) (bool, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return false, apperr.IO("read file", abs, err)
	}

	out, err := fn(data)
	if errors.Is(err, errSkipFile) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Patch("patch file", abs, err)
	}
	if bytes.Equal(out, data) {
		return false, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return false, apperr.IO("stat file", abs, err)
	}
	if err := fsutil.WriteAtomic(abs, bytes.NewReader(out), info.Mode().Perm()); err != nil {
		return false, apperr.IO("write file", abs, err)
	}
	return true, nil
}

func (a TextReplace) apply(data []byte) ([]byte, error) {
	if !a.Regex {
		return bytes.ReplaceAll(data, []byte(a.Search), []byte(a.Replace)), nil
	}
	re := a.re
	if re == nil {
		compiled, err := NewTextReplace(a.Search, a.Replace, true)
		if err != nil {
			return nil, err
		}
		re = compiled.re
	}
	return re.ReplaceAll(data, []byte(a.Replace)), nil
}

func (e *Engine) addFiles(tree string, a FileAdd, assetsDir string) ([]string, error) {
	var added []string
	for _, f := range a.Files {
		src := f.From
		if !filepath.IsAbs(src) && assetsDir != "" {
			src = filepath.Join(assetsDir, src)
		}
		rel := pathmatch.Normalize(strings.TrimPrefix(filepath.ToSlash(f.To), "/"))
		dst := filepath.Join(tree, filepath.FromSlash(rel))

		if _, err := os.Stat(dst); err == nil && !a.Overwrite {
			e.logger.Debug("file_add destination exists, leaving it", "path", rel)
			continue
		}

		if err := fsutil.CopyFile(src, dst); err != nil {
			return nil, apperr.IO("add file", src, err)
		}
		added = append(added, rel)
	}
	return added, nil
}
