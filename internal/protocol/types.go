package protocol

import "encoding/json"

// Type is the value of the "type" discriminator on every control-channel frame.
type Type string

const (
	TypeRegister            Type = "register"
	TypeHeartbeat           Type = "heartbeat"
	TypeRunAnalysis         Type = "run-analysis"
	TypeRunAnalysisResponse Type = "run-analysis-response"
	TypeAnalysisUpdate      Type = "analysis-update"
	TypeStopAnalysis        Type = "stop-analysis"
	TypeAck                 Type = "ack"
)

// Message is the closed set of control-channel frames. Only types declared in
// this package implement it.
type Message interface {
	Type() Type
	message()
}

// Register announces the agent right after the socket opens.
type Register struct {
	AgentID      string `json:"agentId"`
	OS           string `json:"os"`
	AgentVersion string `json:"agentVersion"`
	LocalIP      string `json:"localIp"`
	Hostname     string `json:"hostname"`
}

// Heartbeat is an empty keepalive frame.
type Heartbeat struct{}

// RunAnalysis asks the agent to launch one execution.
type RunAnalysis struct {
	DatasetID         string            `json:"datasetId"`
	ProjectID         string            `json:"projectId"`
	Region            string            `json:"region,omitempty"`
	Executor          string            `json:"executor,omitempty"`
	Environment       map[string]string `json:"environment,omitempty"`
	FileAccessRoleARN string            `json:"fileAccessRoleArn,omitempty"`
	DatasetPath       string            `json:"datasetPath"`
	Username          string            `json:"username"`
}

// StatusUpdate is the payload shared by the two agent→service status frames.
type StatusUpdate struct {
	DatasetID   string         `json:"datasetId"`
	ProjectID   string         `json:"projectId"`
	NativeJobID string         `json:"nativeJobId,omitempty"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Output      string         `json:"output,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// RunAnalysisResponse answers a RunAnalysis synchronously.
type RunAnalysisResponse struct {
	StatusUpdate
}

// AnalysisUpdate is pushed whenever an execution changes state after launch.
type AnalysisUpdate struct {
	StatusUpdate
}

// StopAnalysis asks the agent to cancel a launched execution.
type StopAnalysis struct {
	DatasetID string `json:"datasetId"`
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason,omitempty"`
}

// Ack acknowledges a command that has no richer response.
type Ack struct {
	Message string `json:"message"`
}

// Unknown carries a frame whose tag is not recognised. It is never encoded.
type Unknown struct {
	Tag string
	Raw json.RawMessage
}

func (Register) Type() Type            { return TypeRegister }
func (Heartbeat) Type() Type           { return TypeHeartbeat }
func (RunAnalysis) Type() Type         { return TypeRunAnalysis }
func (RunAnalysisResponse) Type() Type { return TypeRunAnalysisResponse }
func (AnalysisUpdate) Type() Type      { return TypeAnalysisUpdate }
func (StopAnalysis) Type() Type        { return TypeStopAnalysis }
func (Ack) Type() Type                 { return TypeAck }
func (u Unknown) Type() Type           { return Type(u.Tag) }

func (Register) message()            {}
func (Heartbeat) message()           {}
func (RunAnalysis) message()         {}
func (RunAnalysisResponse) message() {}
func (AnalysisUpdate) message()      {}
func (StopAnalysis) message()        {}
func (Ack) message()                 {}
func (Unknown) message()             {}
