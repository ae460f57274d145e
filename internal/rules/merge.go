package rules

import (
	"bytes"
	"errors"
	"sort"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// errSkipFile marks well-formed content that a patch does not apply to
var errSkipFile = errors.New("document root is not an object")

// DeepMerge merges src into dst. Nested objects present on both sides are
// merged recursively, any other src value replaces the dst value. dst is
// modified in place and returned; src is never modified.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := toStringMap(v)
		dstMap, dstIsMap := toStringMap(dst[k])
		if srcIsMap && dstIsMap {
			dst[k] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

func patchJSON(data []byte, merge map[string]any) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, errSkipFile
	}
	root = DeepMerge(root, merge)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// patchYAML merges into the node tree rather than a decoded map so that key
// order and comments of the original document survive.
func patchYAML(data []byte, merge map[string]any) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errSkipFile
	}
	if err := mergeNode(doc.Content[0], merge); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func mergeNode(dst *yaml.Node, src map[string]any) error {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := src[k]

		// last occurrence wins, matching how decoders resolve duplicate keys
		idx := -1
		for i := 0; i+1 < len(dst.Content); i += 2 {
			if dst.Content[i].Value == k {
				idx = i + 1
			}
		}

		if sub, ok := toStringMap(v); ok && idx >= 0 && dst.Content[idx].Kind == yaml.MappingNode {
			if err := mergeNode(dst.Content[idx], sub); err != nil {
				return err
			}
			continue
		}

		value := &yaml.Node{}
		if err := value.Encode(v); err != nil {
			return err
		}
		if idx >= 0 {
			old := dst.Content[idx]
			value.LineComment = old.LineComment
			value.HeadComment = old.HeadComment
			value.FootComment = old.FootComment
			dst.Content[idx] = value
			continue
		}
		dst.Content = append(dst.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			value,
		)
	}
	return nil
}
