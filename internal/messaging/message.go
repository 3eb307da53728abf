package messaging

// Actions sent by the panel to the coordinator.
const (
	ActionToggleCapture = "toggleCapture"
	ActionGetStatus     = "getStatus"
)

// Types exchanged between the coordinator and the capture host.
const (
	TypeStartRecording    = "start-recording"
	TypeStopRecording     = "stop-recording"
	TypeDownloadRecording = "download-recording"
)

// TargetOffscreen addresses the capture host document.
const TargetOffscreen = "offscreen"

// Message is the runtime message envelope. Panel requests carry Action;
// coordinator/host traffic carries Type and, for host-bound messages, Target.
type Message struct {
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
	Target string `json:"target,omitempty"`
	Data   string `json:"data,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Name returns Action or, when empty, Type.
func (m Message) Name() string {
	if m.Action != "" {
		return m.Action
	}
	return m.Type
}

// Reply is the response a listener sends back through Send.
type Reply struct {
	Capturing bool   `json:"capturing"`
	Error     string `json:"error,omitempty"`
}
