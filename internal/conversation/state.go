package conversation

// State is a conversation state.
type State int

const (
	Idle State = iota
	Listening
	Processing
	Speaking
	Ended
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Ended:
		return "ended"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the machine, safe to share.
type Snapshot struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Status    string `json:"status"`
	Turn      uint64 `json:"turn"`
	Ended     bool   `json:"ended"`
	CanRetry  bool   `json:"can_retry"`
}

// Speaker attributes a transcript line.
type Speaker string

const (
	User  Speaker = "You"
	Agent Speaker = "Agent"
)

// Display presents the conversation to the user. Implementations must not
// block; they are called from the machine's event loop.
type Display interface {
	// SetState shows the current state.
	SetState(s State)

	// SetStatus shows a human-readable status line.
	SetStatus(msg string)

	// SetRetry shows or hides the retry affordance.
	SetRetry(available bool)

	// ShowPartial shows an in-progress transcript of the user's speech.
	ShowPartial(text string)

	// ShowTranscript appends a finished line to the chat log.
	ShowTranscript(who Speaker, text string)
}

// NopDisplay discards everything.
type NopDisplay struct{}

func (NopDisplay) SetState(State)                 {}
func (NopDisplay) SetStatus(string)               {}
func (NopDisplay) SetRetry(bool)                  {}
func (NopDisplay) ShowPartial(string)             {}
func (NopDisplay) ShowTranscript(Speaker, string) {}

var _ Display = NopDisplay{}

// Status lines shown by the machine.
const (
	StatusReady          = "Ready."
	StatusListening      = "Listening..."
	StatusProcessing     = "Processing..."
	StatusSpeaking       = "Speaking..."
	StatusSessionEnded   = "Session ended."
	StatusEmptyText      = "Please enter some text before sending."
	StatusNoAudio        = "No audio was captured."
	StatusNoReplyAudio   = "The reply contained no audio."
	StatusUnplayable     = "The reply audio could not be played."
	StatusTextDisabled   = "Text messages are not available in this mode."
	StatusPermission     = "Microphone access was denied. Allow access and try again."
	StatusMicUnavailable = "The microphone could not be opened."
)
