package artifact

// Tag names of the artifact protocol embedded in model output.
const (
	ArtifactTag = "boltArtifact"
	ActionTag   = "boltAction"
)

// Action type attribute values.
const (
	TypeFile  = "file"
	TypeShell = "shell"
)

// Kind is the closed set of action variants: FileKind or ShellKind.
type Kind interface {
	Type() string
	isKind()
}

// FileKind writes Content to Path, relative to the workspace root.
type FileKind struct {
	Path string
}

// ShellKind runs Content as a shell command line.
type ShellKind struct{}

func (FileKind) Type() string  { return TypeFile }
func (ShellKind) Type() string { return TypeShell }

func (FileKind) isKind()  {}
func (ShellKind) isKind() {}

// Action is a read-only snapshot of one parsed action.
type Action struct {
	ID         string
	ArtifactID string
	Kind       Kind
	Content    string
}

// FilePath returns the target path of a file action, or "" for other kinds.
func (a Action) FilePath() string {
	if f, ok := a.Kind.(FileKind); ok {
		return f.Path
	}
	return ""
}

// Artifact groups the actions of one coherent change. It is never executed itself.
type Artifact struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	MessageID string `json:"messageId"`
	Closed    bool   `json:"closed"`
}

// Event is a ParseEvent: ActionOpen, ActionUpdate or ActionClose.
type Event interface {
	ActionID() string
	isEvent()
}

// ActionOpen is emitted once when an action's opening tag has been parsed.
type ActionOpen struct {
	Action Action
}

// ActionUpdate carries the next slice of an open action's body.
type ActionUpdate struct {
	ID      string
	Content string
}

// ActionClose is emitted once when the closing tag arrives. Content is the frozen body.
type ActionClose struct {
	ID      string
	Content string
}

func (e ActionOpen) ActionID() string   { return e.Action.ID }
func (e ActionUpdate) ActionID() string { return e.ID }
func (e ActionClose) ActionID() string  { return e.ID }

func (ActionOpen) isEvent()   {}
func (ActionUpdate) isEvent() {}
func (ActionClose) isEvent()  {}
