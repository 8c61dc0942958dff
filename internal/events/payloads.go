// Package events carries the typed event payloads published by the
// sync engine and the throttled bus that fans them out to subscribers.
// One payload type per topic; every payload is validated at the bus
// boundary and invalid ones are dropped.
package events

import (
	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/store"
	"github.com/tidesync/tidesync/internal/utils"
)

const (
	TopicFileState        = "file:state:update"
	TopicTransferProgress = "transfer:progress"
	TopicTransferStatus   = "transfer:status"
	TopicScanComplete     = "scan:complete"
	TopicLogMessage       = "log:message"
	TopicConnectionTest   = "connection:test"
	TopicErrorOccurred    = "error:occurred"
)

// RoomAllJobs receives every event regardless of job or server scope.
const RoomAllJobs = "all-jobs"

// Payload is one publishable event body. Rooms names the fan-out
// scopes the payload belongs to, always including RoomAllJobs.
type Payload interface {
	Topic() string
	Validate() error
	Rooms() []string
}

func jobRoom(id string) string    { return "job:" + id }
func serverRoom(id string) string { return "server:" + id }

// FileStatePayload reports one sync-state transition.
type FileStatePayload struct {
	JobID        string          `json:"job_id"`
	FileID       string          `json:"file_id"`
	Filename     string          `json:"filename"`
	RelativePath string          `json:"relative_path"`
	OldState     store.SyncState `json:"old_state"`
	NewState     store.SyncState `json:"new_state"`
	TS           int64           `json:"ts"`
}

func (p *FileStatePayload) Topic() string { return TopicFileState }

func (p *FileStatePayload) Validate() error {
	if !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "file state event: job id %q is invalid", p.JobID)
	}
	if !utils.IsValidID(p.FileID) {
		return errdefs.New(errdefs.CodeValidation, "file state event: file id %q is invalid", p.FileID)
	}
	if !p.OldState.Valid() || !p.NewState.Valid() {
		return errdefs.New(errdefs.CodeValidation, "file state event: states %q -> %q invalid", p.OldState, p.NewState)
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "file state event: missing timestamp")
	}
	return nil
}

func (p *FileStatePayload) Rooms() []string {
	return []string{jobRoom(p.JobID), RoomAllJobs}
}

// TransferStatus is the copy process lifecycle phase surfaced in
// progress events.
type TransferStatus string

const (
	TransferStarting     TransferStatus = "starting"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
)

func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStarting, TransferTransferring, TransferCompleted, TransferFailed:
		return true
	}
	return false
}

// ProgressPayload is one throttled progress tick for a running
// transfer.
type ProgressPayload struct {
	TransferID       string         `json:"transfer_id"`
	FileID           string         `json:"file_id"`
	JobID            string         `json:"job_id"`
	Filename         string         `json:"filename"`
	Progress         float64        `json:"progress"`
	BytesTransferred int64          `json:"bytes_transferred"`
	TotalBytes       int64          `json:"total_bytes"`
	Speed            string         `json:"speed,omitempty"`
	SpeedBps         int64          `json:"speed_bps,omitempty"`
	ETA              string         `json:"eta,omitempty"`
	ETASeconds       int64          `json:"eta_seconds,omitempty"`
	Status           TransferStatus `json:"status"`
	ElapsedMs        int64          `json:"elapsed_ms"`
	CompressionRatio float64        `json:"compression_ratio,omitempty"`
	TS               int64          `json:"ts"`
}

func (p *ProgressPayload) Topic() string { return TopicTransferProgress }

func (p *ProgressPayload) Validate() error {
	if p.TransferID == "" {
		return errdefs.New(errdefs.CodeValidation, "progress event: missing transfer id")
	}
	if !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "progress event: job id %q is invalid", p.JobID)
	}
	if !utils.IsValidID(p.FileID) {
		return errdefs.New(errdefs.CodeValidation, "progress event: file id %q is invalid", p.FileID)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return errdefs.New(errdefs.CodeValidation, "progress event: progress %.1f out of range", p.Progress)
	}
	if !p.Status.Valid() {
		return errdefs.New(errdefs.CodeValidation, "progress event: status %q is invalid", p.Status)
	}
	if p.BytesTransferred < 0 || p.TotalBytes < 0 {
		return errdefs.New(errdefs.CodeValidation, "progress event: negative byte counts")
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "progress event: missing timestamp")
	}
	return nil
}

func (p *ProgressPayload) Rooms() []string {
	return []string{jobRoom(p.JobID), RoomAllJobs}
}

// StatusPayload reports a transfer process status change.
type StatusPayload struct {
	TransferID string         `json:"transfer_id"`
	FileID     string         `json:"file_id"`
	JobID      string         `json:"job_id"`
	Filename   string         `json:"filename"`
	OldStatus  string         `json:"old_status"`
	NewStatus  string         `json:"new_status"`
	TS         int64          `json:"ts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (p *StatusPayload) Topic() string { return TopicTransferStatus }

func (p *StatusPayload) Validate() error {
	if p.TransferID == "" {
		return errdefs.New(errdefs.CodeValidation, "status event: missing transfer id")
	}
	if !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "status event: job id %q is invalid", p.JobID)
	}
	if p.NewStatus == "" {
		return errdefs.New(errdefs.CodeValidation, "status event: missing new status")
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "status event: missing timestamp")
	}
	return nil
}

func (p *StatusPayload) Rooms() []string {
	return []string{jobRoom(p.JobID), RoomAllJobs}
}

// ScanCompletePayload summarizes one finished scan.
type ScanCompletePayload struct {
	JobID        string `json:"job_id"`
	JobName      string `json:"job_name"`
	RemotePath   string `json:"remote_path"`
	LocalPath    string `json:"local_path"`
	FilesFound   int    `json:"files_found"`
	FilesAdded   int    `json:"files_added"`
	FilesUpdated int    `json:"files_updated"`
	FilesRemoved int    `json:"files_removed"`
	DurationMs   int64  `json:"duration_ms"`
	TS           int64  `json:"ts"`
}

func (p *ScanCompletePayload) Topic() string { return TopicScanComplete }

func (p *ScanCompletePayload) Validate() error {
	if !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "scan event: job id %q is invalid", p.JobID)
	}
	if p.FilesFound < 0 || p.FilesAdded < 0 || p.FilesUpdated < 0 || p.FilesRemoved < 0 {
		return errdefs.New(errdefs.CodeValidation, "scan event: negative counters")
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "scan event: missing timestamp")
	}
	return nil
}

func (p *ScanCompletePayload) Rooms() []string {
	return []string{jobRoom(p.JobID), RoomAllJobs}
}

// LogLevel is the severity of a log:message event.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogPayload is a human-readable log line surfaced to subscribers.
type LogPayload struct {
	JobID   string   `json:"job_id,omitempty"`
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
	Source  string   `json:"source"`
	TS      int64    `json:"ts"`
}

func (p *LogPayload) Topic() string { return TopicLogMessage }

func (p *LogPayload) Validate() error {
	if !p.Level.Valid() {
		return errdefs.New(errdefs.CodeValidation, "log event: level %q is invalid", p.Level)
	}
	if p.Message == "" {
		return errdefs.New(errdefs.CodeValidation, "log event: missing message")
	}
	if p.Source == "" {
		return errdefs.New(errdefs.CodeValidation, "log event: missing source")
	}
	if p.JobID != "" && !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "log event: job id %q is invalid", p.JobID)
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "log event: missing timestamp")
	}
	return nil
}

func (p *LogPayload) Rooms() []string {
	if p.JobID != "" {
		return []string{jobRoom(p.JobID), RoomAllJobs}
	}
	return []string{RoomAllJobs}
}

// ConnectionTestPayload reports one server connection probe.
type ConnectionTestPayload struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	TS         int64  `json:"ts"`
}

func (p *ConnectionTestPayload) Topic() string { return TopicConnectionTest }

func (p *ConnectionTestPayload) Validate() error {
	if !utils.IsValidID(p.ServerID) {
		return errdefs.New(errdefs.CodeValidation, "connection test event: server id %q is invalid", p.ServerID)
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "connection test event: missing timestamp")
	}
	return nil
}

func (p *ConnectionTestPayload) Rooms() []string {
	return []string{serverRoom(p.ServerID), RoomAllJobs}
}

// ErrorType classifies an error:occurred event.
type ErrorType string

const (
	ErrorConnection ErrorType = "connection"
	ErrorTransfer   ErrorType = "transfer"
	ErrorScan       ErrorType = "scan"
	ErrorValidation ErrorType = "validation"
	ErrorSystem     ErrorType = "system"
	ErrorSpawn      ErrorType = "spawn"
)

func (t ErrorType) Valid() bool {
	switch t {
	case ErrorConnection, ErrorTransfer, ErrorScan, ErrorValidation, ErrorSystem, ErrorSpawn:
		return true
	}
	return false
}

// ErrorPayload surfaces a critical failure to subscribers.
type ErrorPayload struct {
	JobID    string         `json:"job_id,omitempty"`
	ServerID string         `json:"server_id,omitempty"`
	Type     ErrorType      `json:"type"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	TS       int64          `json:"ts"`
}

func (p *ErrorPayload) Topic() string { return TopicErrorOccurred }

func (p *ErrorPayload) Validate() error {
	if !p.Type.Valid() {
		return errdefs.New(errdefs.CodeValidation, "error event: type %q is invalid", p.Type)
	}
	if p.Message == "" {
		return errdefs.New(errdefs.CodeValidation, "error event: missing message")
	}
	if p.JobID != "" && !utils.IsValidID(p.JobID) {
		return errdefs.New(errdefs.CodeValidation, "error event: job id %q is invalid", p.JobID)
	}
	if p.ServerID != "" && !utils.IsValidID(p.ServerID) {
		return errdefs.New(errdefs.CodeValidation, "error event: server id %q is invalid", p.ServerID)
	}
	if p.TS <= 0 {
		return errdefs.New(errdefs.CodeValidation, "error event: missing timestamp")
	}
	return nil
}

func (p *ErrorPayload) Rooms() []string {
	rooms := make([]string, 0, 3)
	if p.JobID != "" {
		rooms = append(rooms, jobRoom(p.JobID))
	}
	if p.ServerID != "" {
		rooms = append(rooms, serverRoom(p.ServerID))
	}
	return append(rooms, RoomAllJobs)
}
