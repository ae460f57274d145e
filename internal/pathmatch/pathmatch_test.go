package pathmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rel      string
		patterns []string
		want     bool
	}{
		{name: "extension", rel: "logs/a.log", patterns: []string{"logs/*.log"}, want: true},
		{name: "star crosses separator", rel: "temp/x/y.txt", patterns: []string{"temp/*"}, want: true},
		{name: "whole path required", rel: "config/logs/a.log", patterns: []string{"logs/*.log"}, want: false},
		{name: "question mark", rel: "mods/a1.jar", patterns: []string{"mods/a?.jar"}, want: true},
		{name: "char class", rel: "mods/b.jar", patterns: []string{"mods/[ab].jar"}, want: true},
		{name: "negated class", rel: "mods/c.jar", patterns: []string{"mods/[!ab].jar"}, want: true},
		{name: "any of several", rel: "config/x.toml", patterns: []string{"*.json", "config/*.toml"}, want: true},
		{name: "no patterns", rel: "a", patterns: nil, want: false},
		{name: "malformed never matches", rel: "a", patterns: []string{"a["}, want: false},
		{name: "dot slash prefix", rel: "./mods/a.jar", patterns: []string{"mods/*.jar"}, want: true},
		{name: "literal", rel: "important.txt", patterns: []string{"important.txt"}, want: true},
		{name: "case sensitive", rel: "Mods/a.jar", patterns: []string{"mods/*"}, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.rel, tc.patterns))
		})
	}
}

func TestMatcherDeterministic(t *testing.T) {
	m := New("config/*.json", "kubejs/*")
	for i := 0; i < 10; i++ {
		assert.True(t, m.Match("config/a.json"))
		assert.False(t, m.Match("mods/a.jar"))
	}
}

func TestNilMatcher(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything"))
	assert.True(t, m.Empty())
	assert.Nil(t, m.Patterns())
}

func TestMalformedKeptInPatterns(t *testing.T) {
	m := New("ok/*", "bad[", "")
	assert.Equal(t, []string{"ok/*", "bad["}, m.Patterns())
	assert.False(t, m.Empty())
}
