package data

import (
	"time"
)

// Record is the unit of data a run streams to the internal service. Exactly one
// of the payload members is set. The service writes every record to the
// transaction log and, when online, hands it to the sender.
type Record struct {
	// Num is assigned by the writer and is monotonically increasing
	// within a transaction log.
	Num int64
	// UUID is used to match a Result to the Record that requested it.
	UUID    string
	Control Control

	Run      *RunRecord
	History  *HistoryRecord
	Summary  *SummaryRecord
	Config   *ConfigRecord
	Files    *FilesRecord
	Stats    *StatsRecord
	Output   *OutputRecord
	Exit     *RunExitRecord
	Artifact *ArtifactRecord
	TBRecord *TBRecord
	Request  *Request
}

// Control carries delivery flags for a record
type Control struct {
	// ReqResp is set when the sender of the record is waiting for a Result
	ReqResp bool
	// Local records are only meaningful to the running service and are
	// never written to the transaction log.
	Local bool
}

// Record types returned by Record.Type
const (
	RecordTypeRun      = "run"
	RecordTypeHistory  = "history"
	RecordTypeSummary  = "summary"
	RecordTypeConfig   = "config"
	RecordTypeFiles    = "files"
	RecordTypeStats    = "stats"
	RecordTypeOutput   = "output"
	RecordTypeExit     = "exit"
	RecordTypeArtifact = "artifact"
	RecordTypeTBRecord = "tbrecord"
	RecordTypeRequest  = "request"
)

// Type returns the name of the payload that is set, or "" if the record is empty
func (r *Record) Type() string {
	switch {
	case r.Run != nil:
		return RecordTypeRun
	case r.History != nil:
		return RecordTypeHistory
	case r.Summary != nil:
		return RecordTypeSummary
	case r.Config != nil:
		return RecordTypeConfig
	case r.Files != nil:
		return RecordTypeFiles
	case r.Stats != nil:
		return RecordTypeStats
	case r.Output != nil:
		return RecordTypeOutput
	case r.Exit != nil:
		return RecordTypeExit
	case r.Artifact != nil:
		return RecordTypeArtifact
	case r.TBRecord != nil:
		return RecordTypeTBRecord
	case r.Request != nil:
		return RecordTypeRequest
	}
	return ""
}

// Item is a key/value pair where the value is JSON encoded. Either Key or
// NestedKey is used, never both.
type Item struct {
	Key       string
	NestedKey []string
	ValueJSON string
}

// Path returns the key path of the item
func (i Item) Path() []string {
	if len(i.NestedKey) > 0 {
		return i.NestedKey
	}
	return []string{i.Key}
}

// RunRecord describes a run. It is sent once at init and again whenever run
// attributes change.
type RunRecord struct {
	RunID        string
	Entity       string
	Project      string
	Config       *ConfigRecord
	RunGroup     string
	JobType      string
	DisplayName  string
	Notes        string
	Tags         []string
	SweepID      string
	Host         string
	StartTime    time.Time
	StartingStep int64
	StorageID    string
}

// HistoryRecord is one row of logged metrics
type HistoryRecord struct {
	Items []Item
}

// SummaryRecord updates or removes keys from the run summary
type SummaryRecord struct {
	Update []Item
	Remove []Item
}

// ConfigRecord updates or removes keys from the run config
type ConfigRecord struct {
	Update []Item
	Remove []Item
}

// FilePolicy describes when a saved file is uploaded
type FilePolicy int

// File policies
const (
	// FilePolicyNow uploads the file immediately
	FilePolicyNow FilePolicy = iota
	// FilePolicyEnd uploads the file when the run finishes
	FilePolicyEnd
	// FilePolicyLive uploads the file now and every time it changes
	FilePolicyLive
)

func (p FilePolicy) String() string {
	switch p {
	case FilePolicyNow:
		return "now"
	case FilePolicyEnd:
		return "end"
	case FilePolicyLive:
		return "live"
	}
	return "unknown"
}

// ParseFilePolicy converts a policy name to a FilePolicy
func ParseFilePolicy(s string) (FilePolicy, error) {
	switch s {
	case "now":
		return FilePolicyNow, nil
	case "end":
		return FilePolicyEnd, nil
	case "live":
		return FilePolicyLive, nil
	}
	return FilePolicyEnd, &ErrorInfo{Code: ErrorCodeInvalid,
		Message: "invalid file policy: " + s}
}

// FileItem is a file the run asked to save
type FileItem struct {
	Path   string
	Policy FilePolicy
}

// FilesRecord lists files to save
type FilesRecord struct {
	Files []FileItem
}

// StatsType is the kind of stats in a StatsRecord
type StatsType int

// Stats types
const (
	StatsTypeSystem StatsType = iota
)

// StatsRecord is a sample of system metrics
type StatsRecord struct {
	Type      StatsType
	Timestamp time.Time
	Items     []Item
}

// OutputType identifies the console stream
type OutputType int

// Output types
const (
	OutputStdout OutputType = iota
	OutputStderr
)

func (o OutputType) String() string {
	if o == OutputStderr {
		return "stderr"
	}
	return "stdout"
}

// OutputRecord is a chunk of console output. A line without a trailing
// newline is a partial line.
type OutputRecord struct {
	Type      OutputType
	Timestamp time.Time
	Line      string
}

// RunExitRecord marks the end of a run
type RunExitRecord struct {
	ExitCode int32
}

// TBRecord registers a tensorboard log directory
type TBRecord struct {
	LogDir string
	Save   bool
}

// ArtifactRecord describes an artifact logged by the run
type ArtifactRecord struct {
	RunID          string
	Project        string
	Entity         string
	Type           string
	Name           string
	Digest         string
	Description    string
	Metadata       string
	UserCreated    bool
	UseAfterCommit bool
	Aliases        []string
	Manifest       ArtifactManifest
}

// ArtifactManifest lists the contents of an artifact
type ArtifactManifest struct {
	Version             int32
	StoragePolicy       string
	StoragePolicyConfig []Item
	Contents            []ManifestEntry
}

// ManifestEntry is a single file in an artifact
type ManifestEntry struct {
	Path      string
	Digest    string
	Size      int64
	Ref       string
	LocalPath string
	Extra     []Item
}

// Request is a record that asks the service to do something rather than
// carrying run data.
type Request struct {
	Login      *LoginRequest
	Defer      *DeferRequest
	GetSummary *GetSummaryRequest
	Pause      *PauseRequest
	Resume     *ResumeRequest
	Status     *StatusRequest
	PollExit   *PollExitRequest
}

// Request types returned by Request.Type
const (
	RequestTypeLogin      = "login"
	RequestTypeDefer      = "defer"
	RequestTypeGetSummary = "get_summary"
	RequestTypePause      = "pause"
	RequestTypeResume     = "resume"
	RequestTypeStatus     = "status"
	RequestTypePollExit   = "poll_exit"
)

// Type returns the name of the request that is set, or ""
func (r *Request) Type() string {
	switch {
	case r.Login != nil:
		return RequestTypeLogin
	case r.Defer != nil:
		return RequestTypeDefer
	case r.GetSummary != nil:
		return RequestTypeGetSummary
	case r.Pause != nil:
		return RequestTypePause
	case r.Resume != nil:
		return RequestTypeResume
	case r.Status != nil:
		return RequestTypeStatus
	case r.PollExit != nil:
		return RequestTypePollExit
	}
	return ""
}

// LoginRequest asks the service to authenticate
type LoginRequest struct {
	APIKey    string
	Anonymous string
}

// DeferRequest advances the exit state machine. It is only ever sent by the
// service to itself.
type DeferRequest struct{}

// GetSummaryRequest asks for the consolidated summary
type GetSummaryRequest struct{}

// PauseRequest stops system stats collection
type PauseRequest struct{}

// ResumeRequest restarts system stats collection
type ResumeRequest struct{}

// StatusRequest asks for run status
type StatusRequest struct {
	CheckStopReq bool
}

// PollExitRequest asks for upload progress after exit
type PollExitRequest struct{}
