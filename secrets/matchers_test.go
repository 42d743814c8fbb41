// (c) Copyright Procwatch 2025

package secrets_test

import (
	"regexp"
	"testing"

	"github.com/procwatch/go-governor/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoneMatcher(t *testing.T) {
	m := secrets.NoneMatcher{}

	assert.False(t, m.Match("anything"))
	assert.False(t, m.Match(""))
}

func TestEqualsMatcher(t *testing.T) {
	m := secrets.NewEqualsMatcher("API_KEY", "TOKEN")

	assert.True(t, m.Match("API_KEY"))
	assert.False(t, m.Match("api_key"))
	assert.False(t, m.Match("API_KEY_2"))
}

func TestEqualsIgnoreCaseMatcher(t *testing.T) {
	m := secrets.NewEqualsIgnoreCaseMatcher("API_KEY")

	assert.True(t, m.Match("api_key"))
	assert.True(t, m.Match("Api_Key"))
	assert.False(t, m.Match("api_key_2"))
}

func TestContainsMatcher(t *testing.T) {
	m := secrets.NewContainsMatcher("key", "pass")

	assert.True(t, m.Match("apikey"))
	assert.True(t, m.Match("password"))
	assert.False(t, m.Match("KEY"))
	assert.False(t, m.Match("user"))
}

func TestContainsIgnoreCaseMatcher(t *testing.T) {
	m := secrets.NewContainsIgnoreCaseMatcher("key", "pass", "secret")

	examples := map[string]bool{
		"API_KEY":       true,
		"DB_PASSWORD":   true,
		"ClientSecret":  true,
		"GOVERNOR_MODE": false,
		"HOME":          false,
	}

	for s, expected := range examples {
		t.Run(s, func(t *testing.T) {
			assert.Equal(t, expected, m.Match(s))
		})
	}
}

func TestRegexpMatcher(t *testing.T) {
	m, err := secrets.NewRegexpMatcher(
		regexp.MustCompile(`^AWS_.*$`),
		regexp.MustCompile(`.*_TOKEN`),
	)
	require.NoError(t, err)

	assert.True(t, m.Match("AWS_SECRET_ACCESS_KEY"))
	assert.True(t, m.Match("GH_TOKEN"))
	assert.False(t, m.Match("PREFIX_AWS_KEY"))
}

func TestRegexpMatcher_MatchesFullStringOnly(t *testing.T) {
	m, err := secrets.NewRegexpMatcher(
		regexp.MustCompile(`aaa`),
		regexp.MustCompile(`bbb`),
	)
	require.NoError(t, err)

	assert.True(t, m.Match("aaa"))
	assert.True(t, m.Match("bbb"))
	assert.False(t, m.Match("aaabbb"))
}

func TestRegexpMatcher_Empty(t *testing.T) {
	m, err := secrets.NewRegexpMatcher()
	require.NoError(t, err)

	assert.False(t, m.Match("anything"))
}
