package store

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

// SyncState describes a path's relation between the remote and local
// sides, including the in-flight transfer lifecycle.
type SyncState string

const (
	StateSynced       SyncState = "synced"
	StateRemoteOnly   SyncState = "remote_only"
	StateLocalOnly    SyncState = "local_only"
	StateDesynced     SyncState = "desynced"
	StateQueued       SyncState = "queued"
	StateTransferring SyncState = "transferring"
	StateFailed       SyncState = "failed"
)

func (s SyncState) Valid() bool {
	switch s {
	case StateSynced, StateRemoteOnly, StateLocalOnly, StateDesynced,
		StateQueued, StateTransferring, StateFailed:
		return true
	}
	return false
}

// HoldsSlot reports whether records in this state may own a
// concurrency slot.
func (s SyncState) HoldsSlot() bool {
	return s == StateQueued || s == StateTransferring
}

// Observational reports whether the scanner may reclassify a record in
// this state. Queued, transferring and failed records are owned by the
// transfer machinery and keep their state across scans.
func (s SyncState) Observational() bool {
	switch s {
	case StateSynced, StateRemoteOnly, StateLocalOnly, StateDesynced:
		return true
	}
	return false
}

// Priority orders queued transfers. Lower values dequeue first; the
// zero value is invalid so unset priorities are caught early.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// Direction says which side wins a sync job.
type Direction string

const (
	DirectionDownload      Direction = "download"
	DirectionUpload        Direction = "upload"
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionDownload, DirectionUpload, DirectionBidirectional:
		return true
	}
	return false
}

// ActionKind names the post-transfer torrent-client effect.
type ActionKind string

const (
	ActionNone       ActionKind = "none"
	ActionRemove     ActionKind = "remove"
	ActionRemoveData ActionKind = "remove_data"
	ActionSetLabel   ActionKind = "set_label"
)

func (a ActionKind) Valid() bool {
	switch a {
	case ActionNone, ActionRemove, ActionRemoveData, ActionSetLabel:
		return true
	}
	return false
}

var (
	chmodRe = regexp.MustCompile(`^[0-7]{3,4}$`)
	speedRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?\s?([KMGT]i?)?B/s$`)
	etaRe   = regexp.MustCompile(`^([0-9]+:)?[0-9]{1,2}:[0-9]{2}$`)
)

// ValidSpeed reports whether s is a human-readable rate like "1.5MB/s".
func ValidSpeed(s string) bool {
	return speedRe.MatchString(s)
}

// ValidETA reports whether s looks like "H:MM:SS" or "MM:SS".
func ValidETA(s string) bool {
	return etaRe.MatchString(s)
}

// TorrentClient is the optional torrent daemon attached to a server,
// used for post-transfer actions.
type TorrentClient struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (t *TorrentClient) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return valueJSON(t)
}

func (t *TorrentClient) Scan(src any) error {
	return scanJSON(t, src)
}

// Server is a connection descriptor for a remote host.
type Server struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	Host          string         `db:"host" json:"host"`
	Port          int            `db:"port" json:"port"`
	Username      string         `db:"username" json:"username"`
	Password      string         `db:"password" json:"-"`
	PrivateKey    string         `db:"private_key" json:"-"`
	TorrentClient *TorrentClient `db:"torrent_client" json:"torrent_client,omitempty"`
	CreatedAt     int64          `db:"created_at" json:"created_at"`
	UpdatedAt     int64          `db:"updated_at" json:"updated_at"`
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *Server) Validate() error {
	if s.Name == "" {
		return errdefs.New(errdefs.CodeValidation, "server name is required")
	}
	if s.Host == "" {
		return errdefs.New(errdefs.CodeValidation, "server host is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return errdefs.New(errdefs.CodeValidation, "server port %d out of range", s.Port)
	}
	if s.Username == "" {
		return errdefs.New(errdefs.CodeValidation, "server username is required")
	}
	if s.Password == "" && s.PrivateKey == "" {
		return errdefs.New(errdefs.CodeValidation, "server needs a password or a private key")
	}
	if s.PrivateKey != "" && !strings.Contains(s.PrivateKey, "-----BEGIN") {
		return errdefs.New(errdefs.CodeValidation, "server private key is not PEM encoded")
	}
	if tc := s.TorrentClient; tc != nil {
		if tc.URL == "" {
			return errdefs.New(errdefs.CodeValidation, "torrent client url is required")
		}
	}
	return nil
}

// TransferOptions map onto copy tool flags.
type TransferOptions struct {
	DeleteExtraneous    bool   `json:"delete_extraneous"`
	PreserveTimestamps  bool   `json:"preserve_timestamps"`
	PreservePermissions bool   `json:"preserve_permissions"`
	Compress            bool   `json:"compress"`
	DryRun              bool   `json:"dry_run"`
	Chmod               string `json:"chmod,omitempty"`
}

func (o TransferOptions) Value() (driver.Value, error) { return valueJSON(o) }
func (o *TransferOptions) Scan(src any) error          { return scanJSON(o, src) }

// RetryPolicy bounds automatic re-enqueue of failed transfers.
type RetryPolicy struct {
	MaxRetries   int   `json:"max_retries"`
	RetryDelayMs int64 `json:"retry_delay_ms"`
}

func (r RetryPolicy) Value() (driver.Value, error) { return valueJSON(r) }
func (r *RetryPolicy) Scan(src any) error          { return scanJSON(r, src) }

// Parallelism bounds concurrent work within one job.
type Parallelism struct {
	MaxConcurrentTransfers    int `json:"max_concurrent_transfers"`
	MaxConnectionsPerTransfer int `json:"max_connections_per_transfer"`
}

func (p Parallelism) Value() (driver.Value, error) { return valueJSON(p) }
func (p *Parallelism) Scan(src any) error          { return scanJSON(p, src) }

// AutoQueue selects remote_only files for immediate enqueue at scan
// time. Zero min/max sizes mean unbounded.
type AutoQueue struct {
	Enabled           bool     `json:"enabled"`
	IncludePatterns   []string `json:"include_patterns,omitempty"`
	ExcludePatterns   []string `json:"exclude_patterns,omitempty"`
	CaseSensitive     bool     `json:"case_sensitive,omitempty"`
	MinSize           int64    `json:"min_size,omitempty"`
	MaxSize           int64    `json:"max_size,omitempty"`
	IncludeExtensions []string `json:"include_extensions,omitempty"`
	ExcludeExtensions []string `json:"exclude_extensions,omitempty"`
}

func (a AutoQueue) Value() (driver.Value, error) { return valueJSON(a) }
func (a *AutoQueue) Scan(src any) error          { return scanJSON(a, src) }

// PostAction is the opaque torrent-client effect run after a transfer
// completes.
type PostAction struct {
	Kind         ActionKind `json:"kind"`
	DelayMinutes int        `json:"delay_minutes"`
	Label        string     `json:"label,omitempty"`
}

func (p PostAction) Value() (driver.Value, error) { return valueJSON(p) }
func (p *PostAction) Scan(src any) error          { return scanJSON(p, src) }

// Job is a unit of synchronization between a source server and a
// target (another server or the local filesystem).
type Job struct {
	ID                  string          `db:"id" json:"id"`
	Name                string          `db:"name" json:"name"`
	SourceServerID      string          `db:"source_server_id" json:"source_server_id"`
	TargetServerID      *string         `db:"target_server_id" json:"target_server_id,omitempty"`
	SourcePath          string          `db:"source_path" json:"source_path"`
	TargetPath          string          `db:"target_path" json:"target_path"`
	Direction           Direction       `db:"direction" json:"direction"`
	Enabled             bool            `db:"enabled" json:"enabled"`
	ScanIntervalMinutes int             `db:"scan_interval_minutes" json:"scan_interval_minutes"`
	Options             TransferOptions `db:"options" json:"options"`
	RetryPolicy         RetryPolicy     `db:"retry_policy" json:"retry_policy"`
	Parallelism         Parallelism     `db:"parallelism" json:"parallelism"`
	AutoQueue           AutoQueue       `db:"auto_queue" json:"auto_queue"`
	PostAction          PostAction      `db:"post_action" json:"post_action"`
	LastScanAt          *int64          `db:"last_scan_at" json:"last_scan_at,omitempty"`
	CreatedAt           int64           `db:"created_at" json:"created_at"`
	UpdatedAt           int64           `db:"updated_at" json:"updated_at"`
}

// LocalTarget reports whether the job syncs against the local
// filesystem rather than a second server.
func (j *Job) LocalTarget() bool {
	return j.TargetServerID == nil || *j.TargetServerID == ""
}

// SetDefaults fills unset fields with their documented defaults.
func (j *Job) SetDefaults() {
	if j.Direction == "" {
		j.Direction = DirectionDownload
	}
	if j.ScanIntervalMinutes == 0 {
		j.ScanIntervalMinutes = 60
	}
	if j.RetryPolicy.RetryDelayMs == 0 {
		j.RetryPolicy.RetryDelayMs = 5000
	}
	if j.Parallelism.MaxConcurrentTransfers == 0 {
		j.Parallelism.MaxConcurrentTransfers = 3
	}
	if j.Parallelism.MaxConnectionsPerTransfer == 0 {
		j.Parallelism.MaxConnectionsPerTransfer = 4
	}
	if j.PostAction.Kind == "" {
		j.PostAction.Kind = ActionNone
	}
}

func (j *Job) Validate() error {
	if j.Name == "" {
		return errdefs.New(errdefs.CodeValidation, "job name is required")
	}
	if !utils.IsValidID(j.SourceServerID) {
		return errdefs.New(errdefs.CodeValidation, "job source server id is invalid")
	}
	if j.TargetServerID != nil && *j.TargetServerID != "" {
		if !utils.IsValidID(*j.TargetServerID) {
			return errdefs.New(errdefs.CodeValidation, "job target server id is invalid")
		}
		if *j.TargetServerID == j.SourceServerID {
			return errdefs.New(errdefs.CodeValidation, "job source and target servers must differ")
		}
	}
	if err := validateTreePath(j.SourcePath); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, err, "job source path")
	}
	if err := validateTreePath(j.TargetPath); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, err, "job target path")
	}
	if !j.Direction.Valid() {
		return errdefs.New(errdefs.CodeValidation, "job direction %q is invalid", j.Direction)
	}
	if j.LocalTarget() && j.Direction != DirectionDownload {
		return errdefs.New(errdefs.CodeValidation, "local targets only support download jobs")
	}
	if j.ScanIntervalMinutes < 5 || j.ScanIntervalMinutes > 10080 {
		return errdefs.New(errdefs.CodeValidation, "scan interval %d minutes out of range [5, 10080]", j.ScanIntervalMinutes)
	}
	if j.Options.Chmod != "" && !chmodRe.MatchString(j.Options.Chmod) {
		return errdefs.New(errdefs.CodeValidation, "chmod %q must be 3 or 4 octal digits", j.Options.Chmod)
	}
	if j.RetryPolicy.MaxRetries < 0 || j.RetryPolicy.MaxRetries > 10 {
		return errdefs.New(errdefs.CodeValidation, "max retries %d out of range [0, 10]", j.RetryPolicy.MaxRetries)
	}
	if j.RetryPolicy.RetryDelayMs < 1000 || j.RetryPolicy.RetryDelayMs > 300000 {
		return errdefs.New(errdefs.CodeValidation, "retry delay %dms out of range [1000, 300000]", j.RetryPolicy.RetryDelayMs)
	}
	if n := j.Parallelism.MaxConcurrentTransfers; n < 1 || n > 10 {
		return errdefs.New(errdefs.CodeValidation, "max concurrent transfers %d out of range [1, 10]", n)
	}
	if n := j.Parallelism.MaxConnectionsPerTransfer; n < 1 || n > 20 {
		return errdefs.New(errdefs.CodeValidation, "max connections per transfer %d out of range [1, 20]", n)
	}
	if !j.PostAction.Kind.Valid() {
		return errdefs.New(errdefs.CodeValidation, "post action kind %q is invalid", j.PostAction.Kind)
	}
	if j.PostAction.DelayMinutes < 0 || j.PostAction.DelayMinutes > 1440 {
		return errdefs.New(errdefs.CodeValidation, "post action delay %d minutes out of range [0, 1440]", j.PostAction.DelayMinutes)
	}
	if j.PostAction.Kind == ActionSetLabel && j.PostAction.Label == "" {
		return errdefs.New(errdefs.CodeValidation, "set_label action requires a label")
	}
	if a := j.AutoQueue; a.MinSize < 0 || a.MaxSize < 0 {
		return errdefs.New(errdefs.CodeValidation, "auto queue sizes must be non-negative")
	} else if a.MinSize > 0 && a.MaxSize > 0 && a.MinSize > a.MaxSize {
		return errdefs.New(errdefs.CodeValidation, "auto queue min size exceeds max size")
	}
	return nil
}

// validateTreePath accepts absolute paths without parent traversal.
func validateTreePath(p string) error {
	if p == "" {
		return fmt.Errorf("path is empty")
	}
	if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "~") {
		return fmt.Errorf("path %q is not absolute", p)
	}
	if hasDotDot(p) {
		return fmt.Errorf("path %q contains parent traversal", p)
	}
	return nil
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(p, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// HistoryEntry is one recorded state transition.
type HistoryEntry struct {
	From     SyncState      `json:"from"`
	To       SyncState      `json:"to"`
	TS       int64          `json:"ts"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// History is a bounded ring of the most recent transitions.
type History []HistoryEntry

// historyCap bounds the transitions kept per record.
const historyCap = 10

// Push appends an entry, keeping only the most recent entries.
func (h History) Push(e HistoryEntry) History {
	h = append(h, e)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	return h
}

func (h History) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return valueJSON(h)
}

func (h *History) Scan(src any) error {
	return scanJSON(h, src)
}

// FileRecord is the per-path row carrying both sides' metadata and the
// sync/transfer state machine.
type FileRecord struct {
	ID           string `db:"id" json:"id"`
	JobID        string `db:"job_id" json:"job_id"`
	RelativePath string `db:"relative_path" json:"relative_path"`
	Filename     string `db:"filename" json:"filename"`
	IsDirectory  bool   `db:"is_directory" json:"is_directory"`
	ParentPath   string `db:"parent_path" json:"parent_path"`

	RemoteExists bool  `db:"remote_exists" json:"remote_exists"`
	RemoteSize   int64 `db:"remote_size" json:"remote_size"`
	RemoteMtime  int64 `db:"remote_mtime" json:"remote_mtime"`
	RemoteIsDir  bool  `db:"remote_is_directory" json:"remote_is_directory"`

	LocalExists bool  `db:"local_exists" json:"local_exists"`
	LocalSize   int64 `db:"local_size" json:"local_size"`
	LocalMtime  int64 `db:"local_mtime" json:"local_mtime"`
	LocalIsDir  bool  `db:"local_is_directory" json:"local_is_directory"`

	SyncState SyncState `db:"sync_state" json:"sync_state"`

	Progress         float64  `db:"progress" json:"progress"`
	Speed            string   `db:"speed" json:"speed,omitempty"`
	ETA              string   `db:"eta" json:"eta,omitempty"`
	RetryCount       int      `db:"retry_count" json:"retry_count"`
	StartedAt        *int64   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *int64   `db:"completed_at" json:"completed_at,omitempty"`
	ActiveTransferID *string  `db:"active_transfer_id" json:"active_transfer_id,omitempty"`
	JobSlot          *int     `db:"job_concurrency_slot" json:"job_concurrency_slot,omitempty"`
	QueuePriority    Priority `db:"queue_priority" json:"queue_priority"`
	QueueSource      string   `db:"queue_source" json:"queue_source,omitempty"`
	LastStateChange  int64    `db:"last_state_change" json:"last_state_change"`
	History          History  `db:"state_history" json:"state_history,omitempty"`

	DirectorySize int64 `db:"directory_size" json:"directory_size,omitempty"`
	FileCount     int64 `db:"file_count" json:"file_count,omitempty"`
	LastSeen      int64 `db:"last_seen" json:"last_seen"`
	AddedAt       int64 `db:"added_at" json:"added_at"`
}

func (f *FileRecord) Validate() error {
	if f.JobID == "" {
		return errdefs.New(errdefs.CodeValidation, "file record job id is required")
	}
	if err := validateRelPath(f.RelativePath); err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, err, "file record relative path")
	}
	if f.ParentPath != "" {
		if strings.HasPrefix(f.ParentPath, "/") {
			return errdefs.New(errdefs.CodeValidation, "parent path %q must not start with /", f.ParentPath)
		}
		if hasDotDot(f.ParentPath) {
			return errdefs.New(errdefs.CodeValidation, "parent path %q contains parent traversal", f.ParentPath)
		}
	}
	if !f.SyncState.Valid() {
		return errdefs.New(errdefs.CodeValidation, "sync state %q is invalid", f.SyncState)
	}
	if f.Progress < 0 || f.Progress > 100 {
		return errdefs.New(errdefs.CodeValidation, "progress %.1f out of range [0, 100]", f.Progress)
	}
	if f.Speed != "" && !ValidSpeed(f.Speed) {
		return errdefs.New(errdefs.CodeValidation, "speed %q is not a valid rate", f.Speed)
	}
	if f.ETA != "" && !ValidETA(f.ETA) {
		return errdefs.New(errdefs.CodeValidation, "eta %q is not a valid duration", f.ETA)
	}
	if f.RetryCount < 0 {
		return errdefs.New(errdefs.CodeValidation, "retry count must be non-negative")
	}
	if f.JobSlot != nil && *f.JobSlot < 0 {
		return errdefs.New(errdefs.CodeValidation, "concurrency slot must be non-negative")
	}
	if !f.IsDirectory && (f.DirectorySize != 0 || f.FileCount != 0) {
		return errdefs.New(errdefs.CodeValidation, "directory aggregates set on a non-directory")
	}
	if !f.QueuePriority.Valid() {
		return errdefs.New(errdefs.CodeValidation, "queue priority %d is invalid", f.QueuePriority)
	}
	return nil
}

func validateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must be relative", p)
	}
	if hasDotDot(p) {
		return fmt.Errorf("path %q contains parent traversal", p)
	}
	return nil
}
