package schemas

// ActionType names one declarative browser operation.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionFill       ActionType = "fill"
	ActionClick      ActionType = "click"
	ActionExtract    ActionType = "extract"
	ActionScreenshot ActionType = "screenshot"
	ActionWait       ActionType = "wait"
)

// Action is a single declarative automation step. Stateless; constructed by a
// plan generator or a site adapter and consumed once by the executor.
type Action struct {
	Type     ActionType `json:"type"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Name     string     `json:"name,omitempty"`
	WaitMs   int        `json:"ms,omitempty"`
}

// ActionResult is the outcome of one Action. Exactly one is produced per
// submitted action, in submission order, whether or not the action succeeded.
type ActionResult struct {
	Action  Action      `json:"action"`
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Envelope is the uniform result shape returned by every adapter operation.
// Callers never receive a raised error from adapter entry points; failures are
// encoded here, with a diagnostic screenshot where one could be captured.
type Envelope struct {
	Success       bool        `json:"success"`
	Action        string      `json:"action,omitempty"`
	Message       string      `json:"message"`
	Results       interface{} `json:"results,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	ScreenshotURL string      `json:"screenshotUrl,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// SearchResult is one help-center search hit extracted from the results page.
type SearchResult struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}
