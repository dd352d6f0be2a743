// File: internal/actions/validate_test.go
package actions

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
)

func testOpts() Options {
	return Options{
		MaxActions:       50,
		DefaultTimeout:   60 * time.Second,
		MaxTimeout:       10 * time.Minute,
		MaxActionTimeout: 60 * time.Second,
		Allow:            allowlist.New(nil),
	}
}

func TestValidateFullRequest(t *testing.T) {
	body := []byte(`{
		"session": "acct-7",
		"timeoutMs": 120000,
		"proxy": "http://proxy.internal:3128",
		"userAgent": "Mozilla/5.0 test",
		"blockResources": ["Image", "media"],
		"viewport": {"width": 1280, "height": 800},
		"headers": {"X-Trace": "abc"},
		"actions": [
			{"action": "goto", "url": "https://example.com/login", "waitUntil": "networkidle"},
			{"action": "fill", "selector": "#user", "text": "alice"},
			{"action": "press", "selector": "#user", "key": "Enter"},
			{"action": "waitFor", "selector": ".dashboard", "state": "visible", "timeoutMs": 5000},
			{"action": "screenshot", "name": "after-login", "fullPage": true},
			{"action": "extractText", "selector": "h1", "key": "title"},
			{"action": "extractAttr", "selector": "a.profile", "attr": "href", "key": "profileUrl"},
			{"action": "saveStorage", "session": "acct-7"},
			{"action": "evaluate", "script": "return document.title", "key": "evalTitle"}
		]
	}`)

	req, err := Validate(body, testOpts())
	require.NoError(t, err)

	assert.Equal(t, "acct-7", req.Session)
	assert.Equal(t, 120000, req.TimeoutMs)
	assert.Equal(t, "http://proxy.internal:3128", req.Proxy)
	assert.Equal(t, []string{"image", "media"}, req.BlockResources)
	require.NotNil(t, req.Viewport)
	assert.Equal(t, 1280, req.Viewport.Width)
	assert.Equal(t, map[string]string{"X-Trace": "abc"}, req.Headers)
	require.Len(t, req.Actions, 9)

	nav, ok := req.Actions[0].(schemas.GotoAction)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/login", nav.URL)
	assert.Equal(t, schemas.WaitUntilNetworkIdle, nav.WaitUntil)

	shot, ok := req.Actions[4].(schemas.ScreenshotAction)
	require.True(t, ok)
	assert.True(t, shot.FullPage)
}

func TestValidateShorthandNormalizes(t *testing.T) {
	canonical := []byte(`{"actions": [{"action": "click", "selector": "#go", "delayMs": 50}]}`)
	shorthand := []byte(`{"actions": [{"click": {"selector": "#go", "delayMs": 50}}]}`)

	a, err := Validate(canonical, testOpts())
	require.NoError(t, err)
	b, err := Validate(shorthand, testOpts())
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("shorthand and canonical forms diverged (-canonical +shorthand):\n%s", diff)
	}
}

func TestValidateIdempotent(t *testing.T) {
	body := []byte(`{"timeoutMs": 30000, "actions": [
		{"action": "goto", "url": "https://example.com"},
		{"action": "waitFor", "timeoutMs": 1000}
	]}`)

	first, err := Validate(body, testOpts())
	require.NoError(t, err)
	second, err := Validate(body, testOpts())
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated validation diverged:\n%s", diff)
	}
}

func TestValidateCommandsAlias(t *testing.T) {
	req, err := Validate([]byte(`{"commands": [{"action": "goto", "url": "https://example.com"}]}`), testOpts())
	require.NoError(t, err)
	require.Len(t, req.Actions, 1)

	_, err = Validate([]byte(`{"actions": [], "commands": []}`), testOpts())
	requireFieldError(t, err, "actions")
}

func TestValidateDefaultsJobTimeout(t *testing.T) {
	req, err := Validate([]byte(`{"actions": [{"action": "goto", "url": "https://example.com"}]}`), testOpts())
	require.NoError(t, err)
	assert.Equal(t, 60000, req.TimeoutMs)
}

func TestValidateRejections(t *testing.T) {
	opts := testOpts()
	opts.Allow = allowlist.New([]string{"example.com"})

	cases := []struct {
		name string
		body string
		path string
	}{
		{"malformed json", `{"actions": [`, "(body)"},
		{"unknown top-level field", `{"bogus": 1, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "bogus"},
		{"missing actions", `{"timeoutMs": 1000}`, "actions"},
		{"actions not array", `{"actions": {"action": "goto"}}`, "actions"},
		{"empty actions", `{"actions": []}`, "actions"},
		{"bad session", `{"session": "a b", "actions": [{"action": "goto", "url": "https://example.com"}]}`, "session"},
		{"job timeout over ceiling", `{"timeoutMs": 999999999, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "timeoutMs"},
		{"job timeout not integer", `{"timeoutMs": 3.5, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "timeoutMs"},
		{"unknown action", `{"actions": [{"action": "teleport"}]}`, "actions[0].action"},
		{"step not object", `{"actions": ["goto"]}`, "actions[0]"},
		{"multi-key step without tag", `{"actions": [{"selector": "#x", "text": "y"}]}`, "actions[0]"},
		{"extra variant field", `{"actions": [{"action": "fill", "selector": "#x", "text": "y", "force": true}]}`, "actions[0].force"},
		{"missing required field", `{"actions": [{"action": "fill", "selector": "#x"}]}`, "actions[0].text"},
		{"bad waitUntil enum", `{"actions": [{"action": "goto", "url": "https://example.com", "waitUntil": "idle"}]}`, "actions[0].waitUntil"},
		{"bad state enum", `{"actions": [{"action": "waitFor", "selector": "#x", "state": "shown"}]}`, "actions[0].state"},
		{"waitFor needs selector or timeout", `{"actions": [{"action": "waitFor", "state": "visible"}]}`, "actions[0]"},
		{"delayMs over ceiling", `{"actions": [{"action": "click", "selector": "#x", "delayMs": 120000}]}`, "actions[0].delayMs"},
		{"negative timeoutMs", `{"actions": [{"action": "waitFor", "timeoutMs": -5}]}`, "actions[0].timeoutMs"},
		{"malformed url", `{"actions": [{"action": "goto", "url": "http://exa mple.com"}]}`, "actions[0].url"},
		{"non-http scheme", `{"actions": [{"action": "goto", "url": "file:///etc/passwd"}]}`, "actions[0].url"},
		{"disallowed domain", `{"actions": [{"action": "goto", "url": "https://evil.net/"}]}`, "actions[0].url"},
		{"disallowed upload domain", `{"actions": [{"action": "uploadFromUrl", "selector": "#f", "url": "https://example.com.evil.net/x.png"}]}`, "actions[0].url"},
		{"bad saveStorage session", `{"actions": [{"action": "saveStorage", "session": "../../etc"}]}`, "actions[0].session"},
		{"bad viewport", `{"viewport": {"width": 0, "height": 800}, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "viewport"},
		{"viewport extra key", `{"viewport": {"width": 1, "height": 1, "scale": 2}, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "viewport.scale"},
		{"headers non-string value", `{"headers": {"X-N": 5}, "actions": [{"action": "goto", "url": "https://example.com"}]}`, "headers.X-N"},
		{"blockResources non-string", `{"blockResources": [1], "actions": [{"action": "goto", "url": "https://example.com"}]}`, "blockResources[0]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate([]byte(tc.body), opts)
			requireFieldError(t, err, tc.path)
		})
	}
}

func TestValidateMalformedURLDistinctFromDisallowed(t *testing.T) {
	opts := testOpts()
	opts.Allow = allowlist.New([]string{"example.com"})

	_, err := Validate([]byte(`{"actions": [{"action": "goto", "url": "http://exa mple.com"}]}`), opts)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not allowed")

	_, err = Validate([]byte(`{"actions": [{"action": "goto", "url": "https://evil.net/"}]}`), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestValidateMaxActions(t *testing.T) {
	opts := testOpts()
	opts.MaxActions = 3

	var steps []string
	for i := 0; i < 4; i++ {
		steps = append(steps, `{"action": "waitFor", "timeoutMs": 10}`)
	}
	body := fmt.Sprintf(`{"actions": [%s]}`, strings.Join(steps, ","))

	_, err := Validate([]byte(body), opts)
	requireFieldError(t, err, "actions")
	assert.Contains(t, err.Error(), "too many actions")
}

func TestValidateErrorKindIsStable(t *testing.T) {
	_, err := Validate([]byte(`{"actions": [{"action": "fill", "selector": "#x"}]}`), testOpts())
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "actions[0].text", fe.Path)
}

func requireFieldError(t *testing.T, err error, path string) {
	t.Helper()
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, path, fe.Path)
}
