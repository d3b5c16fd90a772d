package workflow

import (
	"time"

	"github.com/lehigh-university-libraries/labasset/internal/models"
)

// State is a step of the asset workflow
type State string

const (
	Idle        State = "idle"
	ImageReady  State = "image_ready"
	Analyzing   State = "analyzing"
	ResultReady State = "result_ready"
	Committing  State = "committing"
	Committed   State = "committed"
	LabelReady  State = "label_ready"
	Error       State = "error"
)

// Busy reports whether a background call is in flight.
func (s State) Busy() bool {
	return s == Analyzing || s == Committing
}

// Action is an operation a front-end can trigger
type Action string

const (
	ActAcquire        Action = "acquire"
	ActSelectTemplate Action = "select_template"
	ActAnalyze        Action = "analyze"
	ActEdit           Action = "edit"
	ActCommit         Action = "commit"
	ActLabel          Action = "label"
	ActRecover        Action = "recover"
)

// Draft is the asset being assembled
type Draft struct {
	ID         string        `json:"id"`
	Image      *models.Image `json:"image,omitempty"`
	ImagePath  string        `json:"image_path,omitempty"`
	TemplateID int           `json:"template_id,omitempty"`
	Result     models.Fields `json:"result,omitempty"`
	Title      string        `json:"title,omitempty"`
	RecordID   int           `json:"record_id,omitempty"`
	LabelPath  string        `json:"label_path,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (d *Draft) clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	if d.Image != nil {
		img := *d.Image
		out.Image = &img
	}
	out.Result = d.Result.Clone()
	out.Warnings = append([]string(nil), d.Warnings...)
	return &out
}

// Snapshot is a consistent copy of the orchestrator state
type Snapshot struct {
	State         State    `json:"state"`
	Draft         *Draft   `json:"draft,omitempty"`
	TemplateID    int      `json:"template_id,omitempty"`
	TemplateTitle string   `json:"template_title,omitempty"`
	Failure       *Failure `json:"failure,omitempty"`
	Actions       []Action `json:"actions"`
}

// Allows reports whether a is currently enabled.
func (s Snapshot) Allows(a Action) bool {
	for _, x := range s.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Outcome is delivered when a background operation finishes
type Outcome struct {
	Op        Action
	State     State
	Title     string
	Fields    models.Fields
	RecordID  int
	LabelPath string
	Err       error
	LabelErr  error
}

// Event is published to subscribers on every transition
type Event struct {
	Op       Action    `json:"op"`
	Snapshot Snapshot  `json:"snapshot"`
	Time     time.Time `json:"time"`
}
