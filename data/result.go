package data

import "fmt"

// Result is the reply to a Record that had Control.ReqResp set
type Result struct {
	UUID       string
	RunResult  *RunUpdateResult
	ExitResult *RunExitResult
	Response   *Response
}

// RunUpdateResult is returned for a run record
type RunUpdateResult struct {
	Run   *RunRecord
	Error *ErrorInfo
}

// RunExitResult is returned once the exit state machine has finished
type RunExitResult struct{}

// Response holds the reply to a Request
type Response struct {
	Login      *LoginResponse
	GetSummary *GetSummaryResponse
	Status     *StatusResponse
	PollExit   *PollExitResponse
}

// LoginResponse is the reply to a LoginRequest
type LoginResponse struct {
	ActiveEntity string
}

// GetSummaryResponse is the reply to a GetSummaryRequest
type GetSummaryResponse struct {
	Items []Item
}

// StatusResponse is the reply to a StatusRequest
type StatusResponse struct {
	RunShouldStop bool
}

// PusherStats describes file upload progress
type PusherStats struct {
	UploadedBytes int64
	TotalBytes    int64
	DedupedBytes  int64
}

// FileCounts is the number of files uploaded per category
type FileCounts struct {
	WandbCount    int32
	MediaCount    int32
	ArtifactCount int32
	OtherCount    int32
}

// PollExitResponse is the reply to a PollExitRequest
type PollExitResponse struct {
	Done        bool
	ExitResult  *RunExitResult
	PusherStats PusherStats
	FileCounts  FileCounts
}

// ErrorCode classifies an ErrorInfo
type ErrorCode int

// Error codes
const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeCommunication
	ErrorCodeAuthentication
	ErrorCodeUsage
	ErrorCodeUnsupported
	ErrorCodeInvalid
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeCommunication:
		return "communication"
	case ErrorCodeAuthentication:
		return "authentication"
	case ErrorCodeUsage:
		return "usage"
	case ErrorCodeUnsupported:
		return "unsupported"
	case ErrorCodeInvalid:
		return "invalid"
	}
	return "unknown"
}

// ErrorInfo is an error that can travel inside a Result
type ErrorInfo struct {
	Code    ErrorCode
	Message string
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}
