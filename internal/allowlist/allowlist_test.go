// File: internal/allowlist/allowlist_test.go
package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyAllowlistPermitsAnything(t *testing.T) {
	a := New(nil)
	assert.True(t, a.Empty())
	assert.NoError(t, a.Check("https://anything.example.org/path"))
	assert.NoError(t, a.Check("http://127.0.0.1:8080/"))
}

func TestSubdomainMatching(t *testing.T) {
	a := New([]string{"example.com"})

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://example.com/x", true},
		{"https://sub.example.com/x", true},
		{"https://deep.sub.example.com/x", true},
		{"https://notexample.com/x", false},
		{"https://example.com.evil.net/x", false},
		{"https://evilexample.com/x", false},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			err := a.Check(tc.url)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not allowed")
			}
		})
	}
}

func TestCaseInsensitiveAndDeduplicated(t *testing.T) {
	a := New([]string{"Example.COM", "example.com", ".example.com", " example.com "})
	assert.Len(t, a.domains, 1)
	assert.NoError(t, a.Check("https://EXAMPLE.com/"))
	assert.NoError(t, a.Check("https://Sub.Example.Com/"))
}

func TestMalformedURLDistinctFromRejection(t *testing.T) {
	a := New([]string{"example.com"})

	err := a.Check("://not a url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid URL")
	assert.NotContains(t, err.Error(), "not allowed")

	err = a.Check("ftp://example.com/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")

	err = a.Check("https:///missing-host")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing host")
}
