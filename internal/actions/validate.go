// File: internal/actions/validate.go

// Package actions turns an untrusted JSON job payload into a typed
// schemas.RunRequest. Validation is strict and complete: every variant has a
// closed field set, every failure names the offending field, and nothing is
// executed until the whole request has been accepted.
package actions

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/stagehand/api/schemas"
	"github.com/xkilldash9x/stagehand/internal/allowlist"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options bound what a single request may ask for.
type Options struct {
	MaxActions       int
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MaxActionTimeout time.Duration
	Allow            *allowlist.Allowlist
}

// FieldError is the stable validation failure kind. Path is machine
// checkable (e.g. "actions[2].selector").
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Path, e.Reason)
}

func fieldErr(path, format string, args ...any) *FieldError {
	return &FieldError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Validate parses body and produces an immutable RunRequest, or the first
// field-scoped error encountered in document order.
func Validate(body []byte, opts Options) (*schemas.RunRequest, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fieldErr("(body)", "malformed JSON: %v", err)
	}
	return validateObject(raw, opts)
}

var topLevelKeys = map[string]bool{
	"session": true, "timeoutMs": true, "proxy": true,
	"blockResources": true, "userAgent": true, "viewport": true,
	"headers": true, "actions": true, "commands": true,
}

func validateObject(raw map[string]any, opts Options) (*schemas.RunRequest, error) {
	for key := range raw {
		if !topLevelKeys[key] {
			return nil, fieldErr(key, "unknown field")
		}
	}

	req := &schemas.RunRequest{}

	if v, ok := raw["session"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fieldErr("session", "must be a string")
		}
		if !schemas.ValidSessionID(s) {
			return nil, fieldErr("session", "must match [A-Za-z0-9._-]{1,64}")
		}
		req.Session = s
	}

	timeoutMs, err := jobTimeout(raw, opts)
	if err != nil {
		return nil, err
	}
	req.TimeoutMs = timeoutMs

	if v, ok := raw["proxy"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fieldErr("proxy", "must be a non-empty string")
		}
		req.Proxy = s
	}

	if v, ok := raw["userAgent"]; ok {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fieldErr("userAgent", "must be a non-empty string")
		}
		req.UserAgent = s
	}

	if v, ok := raw["blockResources"]; ok {
		types, err := stringList(v, "blockResources")
		if err != nil {
			return nil, err
		}
		req.BlockResources = types
	}

	if v, ok := raw["viewport"]; ok {
		vp, err := viewport(v)
		if err != nil {
			return nil, err
		}
		req.Viewport = vp
	}

	if v, ok := raw["headers"]; ok {
		hdrs, err := headerMap(v)
		if err != nil {
			return nil, err
		}
		req.Headers = hdrs
	}

	steps, err := actionList(raw, opts)
	if err != nil {
		return nil, err
	}
	req.Actions = steps

	return req, nil
}

func jobTimeout(raw map[string]any, opts Options) (int, error) {
	v, ok := raw["timeoutMs"]
	if !ok {
		return int(opts.DefaultTimeout.Milliseconds()), nil
	}
	ms, err := intValue(v, "timeoutMs")
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fieldErr("timeoutMs", "must be a positive integer")
	}
	if max := int(opts.MaxTimeout.Milliseconds()); ms > max {
		return 0, fieldErr("timeoutMs", "exceeds maximum of %d ms", max)
	}
	return ms, nil
}

// actionList locates the step array under "actions" or its alias "commands"
// and validates every step. Exactly one of the two keys must be present.
func actionList(raw map[string]any, opts Options) ([]schemas.Action, error) {
	actionsVal, hasActions := raw["actions"]
	commandsVal, hasCommands := raw["commands"]

	switch {
	case hasActions && hasCommands:
		return nil, fieldErr("actions", `provide either "actions" or "commands", not both`)
	case !hasActions && !hasCommands:
		return nil, fieldErr("actions", "required")
	}

	val := actionsVal
	if hasCommands {
		val = commandsVal
	}
	list, ok := val.([]any)
	if !ok {
		return nil, fieldErr("actions", "must be an array")
	}
	if len(list) == 0 {
		return nil, fieldErr("actions", "must not be empty")
	}
	if len(list) > opts.MaxActions {
		return nil, fieldErr("actions", "too many actions: %d exceeds maximum of %d", len(list), opts.MaxActions)
	}

	steps := make([]schemas.Action, 0, len(list))
	for i, item := range list {
		step, err := validateStep(item, fmt.Sprintf("actions[%d]", i), opts)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// validateStep normalizes one step to canonical form and dispatches to its
// variant builder. Canonical form is {action: "<name>", ...fields}; the
// shorthand {"<name>": {...fields}} is rewritten before dispatch.
func validateStep(item any, path string, opts Options) (schemas.Action, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil, fieldErr(path, "must be an object")
	}

	var name string
	fields := map[string]any{}

	if tag, ok := obj["action"]; ok {
		name, ok = tag.(string)
		if !ok {
			return nil, fieldErr(path+".action", "must be a string")
		}
		for k, v := range obj {
			if k != "action" {
				fields[k] = v
			}
		}
	} else if len(obj) == 1 {
		for k, v := range obj {
			inner, ok := v.(map[string]any)
			if !ok {
				return nil, fieldErr(path+"."+k, "shorthand value must be an object")
			}
			name = k
			for fk, fv := range inner {
				fields[fk] = fv
			}
		}
	} else {
		return nil, fieldErr(path, `missing "action" tag`)
	}

	fs := &fieldSet{path: path, fields: fields, seen: map[string]bool{}}

	var act schemas.Action
	switch schemas.ActionKind(name) {
	case schemas.KindGoto:
		act = buildGoto(fs, opts)
	case schemas.KindClick:
		act = buildClick(fs, opts)
	case schemas.KindFill:
		act = schemas.FillAction{Selector: fs.requireString("selector"), Text: fs.requireString("text")}
	case schemas.KindPress:
		act = schemas.PressAction{Selector: fs.requireString("selector"), Key: fs.requireString("key")}
	case schemas.KindWaitFor:
		act = buildWaitFor(fs, opts)
	case schemas.KindUpload:
		act = schemas.UploadAction{Selector: fs.requireString("selector"), LocalPath: fs.requireString("localPath")}
	case schemas.KindUploadFromURL:
		act = buildUploadFromURL(fs, opts)
	case schemas.KindScreenshot:
		act = schemas.ScreenshotAction{Name: fs.requireString("name"), FullPage: fs.optBool("fullPage")}
	case schemas.KindExtractText:
		act = schemas.ExtractTextAction{Selector: fs.requireString("selector"), Key: fs.requireString("key")}
	case schemas.KindExtractAttr:
		act = schemas.ExtractAttrAction{
			Selector: fs.requireString("selector"),
			Attr:     fs.requireString("attr"),
			Key:      fs.requireString("key"),
		}
	case schemas.KindSaveStorage:
		act = buildSaveStorage(fs)
	case schemas.KindEvaluate:
		act = schemas.EvaluateAction{
			Script: fs.requireString("script"),
			Arg:    fs.optAny("arg"),
			Key:    fs.optString("key"),
		}
	default:
		return nil, fieldErr(path+".action", "unknown action %q", name)
	}

	if err := fs.finish(); err != nil {
		return nil, err
	}
	return act, nil
}

func buildGoto(fs *fieldSet, opts Options) schemas.Action {
	act := schemas.GotoAction{
		URL:       fs.requireString("url"),
		WaitUntil: fs.optEnum("waitUntil", schemas.WaitUntilLoad, schemas.WaitUntilDOMContentLoaded, schemas.WaitUntilNetworkIdle, schemas.WaitUntilCommit),
	}
	fs.checkURL("url", act.URL, opts.Allow)
	return act
}

func buildClick(fs *fieldSet, opts Options) schemas.Action {
	return schemas.ClickAction{
		Selector: fs.requireString("selector"),
		DelayMs:  fs.optTimeoutMs("delayMs", opts.MaxActionTimeout),
	}
}

func buildWaitFor(fs *fieldSet, opts Options) schemas.Action {
	act := schemas.WaitForAction{
		Selector:  fs.optString("selector"),
		State:     fs.optEnum("state", schemas.StateAttached, schemas.StateDetached, schemas.StateVisible, schemas.StateHidden),
		TimeoutMs: fs.optTimeoutMs("timeoutMs", opts.MaxActionTimeout),
	}
	if fs.err == nil && act.Selector == "" && act.TimeoutMs == 0 {
		fs.err = fieldErr(fs.path, "waitFor requires at least one of selector, timeoutMs")
	}
	return act
}

func buildUploadFromURL(fs *fieldSet, opts Options) schemas.Action {
	act := schemas.UploadFromURLAction{
		Selector: fs.requireString("selector"),
		URL:      fs.requireString("url"),
	}
	fs.checkURL("url", act.URL, opts.Allow)
	return act
}

func buildSaveStorage(fs *fieldSet) schemas.Action {
	session := fs.requireString("session")
	if fs.err == nil && !schemas.ValidSessionID(session) {
		fs.err = fieldErr(fs.path+".session", "must match [A-Za-z0-9._-]{1,64}")
	}
	return schemas.SaveStorageAction{Session: session}
}

// fieldSet reads typed fields from one step's raw map, recording the first
// failure and every key consumed. finish rejects whatever was not consumed,
// which makes each variant a strict allowlist of its own fields.
type fieldSet struct {
	path   string
	fields map[string]any
	seen   map[string]bool
	err    *FieldError
}

func (fs *fieldSet) take(key string) (any, bool) {
	fs.seen[key] = true
	v, ok := fs.fields[key]
	return v, ok
}

func (fs *fieldSet) requireString(key string) string {
	v, ok := fs.take(key)
	if fs.err != nil {
		return ""
	}
	if !ok {
		fs.err = fieldErr(fs.path+"."+key, "required")
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		fs.err = fieldErr(fs.path+"."+key, "must be a non-empty string")
		return ""
	}
	return s
}

func (fs *fieldSet) optString(key string) string {
	v, ok := fs.take(key)
	if fs.err != nil || !ok {
		return ""
	}
	s, isStr := v.(string)
	if !isStr {
		fs.err = fieldErr(fs.path+"."+key, "must be a string")
		return ""
	}
	return s
}

func (fs *fieldSet) optBool(key string) bool {
	v, ok := fs.take(key)
	if fs.err != nil || !ok {
		return false
	}
	b, isBool := v.(bool)
	if !isBool {
		fs.err = fieldErr(fs.path+"."+key, "must be a boolean")
		return false
	}
	return b
}

func (fs *fieldSet) optAny(key string) any {
	v, _ := fs.take(key)
	return v
}

// optEnum accepts one of the allowed values or absence. Absence leaves the
// field empty so the executor applies its own default.
func (fs *fieldSet) optEnum(key string, allowed ...string) string {
	s := fs.optString(key)
	if fs.err != nil || s == "" {
		return ""
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	fs.err = fieldErr(fs.path+"."+key, "must be one of %s", strings.Join(allowed, ", "))
	return ""
}

// optTimeoutMs accepts a positive integer bounded by ceiling.
func (fs *fieldSet) optTimeoutMs(key string, ceiling time.Duration) int {
	v, ok := fs.take(key)
	if fs.err != nil || !ok {
		return 0
	}
	ms, err := intValue(v, fs.path+"."+key)
	if err != nil {
		fs.err = err.(*FieldError)
		return 0
	}
	if ms <= 0 {
		fs.err = fieldErr(fs.path+"."+key, "must be a positive integer")
		return 0
	}
	if max := int(ceiling.Milliseconds()); ms > max {
		fs.err = fieldErr(fs.path+"."+key, "exceeds maximum of %d ms", max)
		return 0
	}
	return ms
}

// checkURL enforces http(s) scheme and the domain allowlist at validation
// time so forbidden targets are rejected before any browser resource exists.
func (fs *fieldSet) checkURL(key, rawURL string, allow *allowlist.Allowlist) {
	if fs.err != nil {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		fs.err = fieldErr(fs.path+"."+key, "invalid URL: %v", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		fs.err = fieldErr(fs.path+"."+key, "URL scheme must be http or https")
		return
	}
	if err := allow.Check(rawURL); err != nil {
		fs.err = fieldErr(fs.path+"."+key, "%v", err)
	}
}

func (fs *fieldSet) finish() error {
	if fs.err != nil {
		return fs.err
	}
	var extra []string
	for k := range fs.fields {
		if !fs.seen[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fieldErr(fs.path+"."+extra[0], "unknown field")
	}
	return nil
}

// intValue accepts JSON numbers that are exact integers.
func intValue(v any, path string) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fieldErr(path, "must be an integer")
	}
	if f != math.Trunc(f) {
		return 0, fieldErr(path, "must be an integer")
	}
	return int(f), nil
}

// stringList accepts a JSON array of non-empty strings, lowercased.
func stringList(v any, path string) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fieldErr(path, "must be an array of strings")
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fieldErr(fmt.Sprintf("%s[%d]", path, i), "must be a non-empty string")
		}
		out = append(out, strings.ToLower(s))
	}
	return out, nil
}

func viewport(v any) (*schemas.Viewport, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fieldErr("viewport", "must be an object")
	}
	for k := range obj {
		if k != "width" && k != "height" {
			return nil, fieldErr("viewport."+k, "unknown field")
		}
	}
	width, err := intValue(obj["width"], "viewport.width")
	if err != nil {
		return nil, err
	}
	height, err := intValue(obj["height"], "viewport.height")
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fieldErr("viewport", "width and height must be positive")
	}
	return &schemas.Viewport{Width: width, Height: height}, nil
}

func headerMap(v any) (map[string]string, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fieldErr("headers", "must be an object of string values")
	}
	out := make(map[string]string, len(obj))
	for k, hv := range obj {
		s, ok := hv.(string)
		if !ok {
			return nil, fieldErr("headers."+k, "must be a string")
		}
		out[k] = s
	}
	return out, nil
}
