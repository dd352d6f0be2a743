// api/schemas/actions.go
package schemas

import "regexp"

// ActionKind identifies one variant of the action vocabulary.
type ActionKind string

const (
	KindGoto          ActionKind = "goto"
	KindClick         ActionKind = "click"
	KindFill          ActionKind = "fill"
	KindPress         ActionKind = "press"
	KindWaitFor       ActionKind = "waitFor"
	KindUpload        ActionKind = "upload"
	KindUploadFromURL ActionKind = "uploadFromUrl"
	KindScreenshot    ActionKind = "screenshot"
	KindExtractText   ActionKind = "extractText"
	KindExtractAttr   ActionKind = "extractAttr"
	KindSaveStorage   ActionKind = "saveStorage"
	KindEvaluate      ActionKind = "evaluate"
)

// Action is the closed sum type of executable job steps. Every variant is a
// struct in this package; the runner dispatches on the concrete type, so an
// unknown variant cannot reach execution.
type Action interface {
	Kind() ActionKind
}

// WaitUntil values accepted by GotoAction. Empty means the executor default.
const (
	WaitUntilLoad             = "load"
	WaitUntilDOMContentLoaded = "domcontentloaded"
	WaitUntilNetworkIdle      = "networkidle"
	WaitUntilCommit           = "commit"
)

// Element states accepted by WaitForAction.
const (
	StateAttached = "attached"
	StateDetached = "detached"
	StateVisible  = "visible"
	StateHidden   = "hidden"
)

// GotoAction navigates the page to an absolute http(s) URL.
type GotoAction struct {
	URL       string
	WaitUntil string // optional, one of the WaitUntil* constants
}

// ClickAction clicks the first element matching the selector.
type ClickAction struct {
	Selector string
	DelayMs  int // optional hold delay between press and release
}

// FillAction replaces the value of the matched input wholesale.
type FillAction struct {
	Selector string
	Text     string
}

// PressAction sends a single named key to the matched element.
type PressAction struct {
	Selector string
	Key      string
}

// WaitForAction waits for a selector to reach a state, or sleeps for
// TimeoutMs when no selector is given. At least one of Selector/TimeoutMs is
// required.
type WaitForAction struct {
	Selector  string
	State     string // optional, one of the State* constants; default visible
	TimeoutMs int
}

// UploadAction attaches a local file to a file input.
type UploadAction struct {
	Selector  string
	LocalPath string
}

// UploadFromURLAction downloads a remote image and attaches it to a file
// input.
type UploadFromURLAction struct {
	Selector string
	URL      string
}

// ScreenshotAction captures the page into a named PNG artifact.
type ScreenshotAction struct {
	Name     string
	FullPage bool
}

// ExtractTextAction stores the element's text content under Key.
type ExtractTextAction struct {
	Selector string
	Key      string
}

// ExtractAttrAction stores the element's attribute value under Key.
type ExtractAttrAction struct {
	Selector string
	Attr     string
	Key      string
}

// SaveStorageAction persists the browser storage state under a session id.
type SaveStorageAction struct {
	Session string
}

// EvaluateAction runs one script body with an optional argument. The script
// text is attacker-controlled input; this is the single deliberate escape
// hatch of the action language.
type EvaluateAction struct {
	Script string
	Arg    any
	Key    string // optional result key
}

func (GotoAction) Kind() ActionKind          { return KindGoto }
func (ClickAction) Kind() ActionKind         { return KindClick }
func (FillAction) Kind() ActionKind          { return KindFill }
func (PressAction) Kind() ActionKind         { return KindPress }
func (WaitForAction) Kind() ActionKind       { return KindWaitFor }
func (UploadAction) Kind() ActionKind        { return KindUpload }
func (UploadFromURLAction) Kind() ActionKind { return KindUploadFromURL }
func (ScreenshotAction) Kind() ActionKind    { return KindScreenshot }
func (ExtractTextAction) Kind() ActionKind   { return KindExtractText }
func (ExtractAttrAction) Kind() ActionKind   { return KindExtractAttr }
func (SaveStorageAction) Kind() ActionKind   { return KindSaveStorage }
func (EvaluateAction) Kind() ActionKind      { return KindEvaluate }

// sessionIDRe is the canonical session identifier shape. Both the validator
// and the session store enforce it independently.
var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidSessionID reports whether s is an acceptable session identifier.
func ValidSessionID(s string) bool {
	return sessionIDRe.MatchString(s)
}
