package rsync

import (
	"fmt"
	"strings"

	"github.com/tidesync/tidesync/internal/store"
)

// Binary is the copy tool looked up on PATH.
const Binary = "rsync"

// sshOptions is the transport baseline for unattended transfers.
var sshOptions = []string{
	"-o", "BatchMode=yes",
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "Compression=yes",
	"-o", "ConnectTimeout=30",
	"-o", "ServerAliveInterval=60",
	"-o", "ServerAliveCountMax=3",
}

// Options is the full argv surface of the copy tool.
type Options struct {
	// Categorical flags.
	Archive       bool
	Verbose       bool
	Compress      bool
	Partial       bool
	Progress      bool
	Delete        bool
	DryRun        bool
	Checksum      bool
	Times         bool
	Perms         bool
	Owner         bool
	Group         bool
	Inplace       bool
	WholeFile     bool
	Sparse        bool
	HardLinks     bool
	NumericIDs    bool
	Itemize       bool
	Stats         bool
	HumanReadable bool
	Dirs          bool
	Mkpath        bool
	Recursive     bool

	Chmod string

	// Filters, applied in order: excludes first, then includes.
	Excludes    []string
	Includes    []string
	ExcludeFrom string
	IncludeFrom string

	// Limits.
	BwLimitKBps int
	TimeoutSec  int
	MaxSize     string
	MinSize     string
	LogFile     string
	TempDir     string
}

// JobOptions maps a job's transfer options onto tool flags. Progress
// and itemize output are always on: the driver depends on them.
func JobOptions(o store.TransferOptions) Options {
	return Options{
		Recursive:     true,
		Partial:       true,
		Progress:      true,
		Itemize:       true,
		Stats:         true,
		Times:         o.PreserveTimestamps,
		Perms:         o.PreservePermissions,
		Compress:      o.Compress,
		Delete:        o.DeleteExtraneous,
		DryRun:        o.DryRun,
		Chmod:         o.Chmod,
		WholeFile:     true,
		HumanReadable: false,
	}
}

// SSHArgs is the raw argv form of the transport for callers that exec
// ssh directly. batch=false drops BatchMode so an sshpass wrapper can
// answer the password prompt.
func SSHArgs(port int, keyFile string, batch bool) []string {
	var parts []string
	if port != 0 && port != 22 {
		parts = append(parts, "-p", fmt.Sprintf("%d", port))
	}
	if keyFile != "" {
		parts = append(parts, "-i", keyFile)
	}
	for i := 0; i < len(sshOptions); i += 2 {
		if !batch && sshOptions[i+1] == "BatchMode=yes" {
			continue
		}
		parts = append(parts, sshOptions[i], sshOptions[i+1])
	}
	return parts
}

// SSHTransport builds the -e remote shell command. keyFile, when
// non-empty, is an identity file materialized by the key manager.
// Passwords never appear here; they travel via the SSHPASS env of an
// sshpass wrapper.
func SSHTransport(port int, keyFile string) string {
	return strings.Join(append([]string{"ssh"}, SSHArgs(port, keyFile, true)...), " ")
}

// PasswordTransport is SSHTransport minus BatchMode, which would
// suppress the prompt the sshpass wrapper answers.
func PasswordTransport(port int) string {
	return strings.Join(append([]string{"ssh"}, SSHArgs(port, "", false)...), " ")
}

// Build assembles the final argv (excluding argv[0]) for one transfer
// from src to dst.
func (o Options) Build(src, dst, transport string) []string {
	var args []string

	add := func(flag string, on bool) {
		if on {
			args = append(args, flag)
		}
	}

	add("--archive", o.Archive)
	add("--verbose", o.Verbose)
	add("--recursive", o.Recursive && !o.Archive)
	add("--compress", o.Compress)
	add("--partial", o.Partial)
	add("--progress", o.Progress)
	add("--delete", o.Delete)
	add("--dry-run", o.DryRun)
	add("--checksum", o.Checksum)
	add("--times", o.Times && !o.Archive)
	add("--perms", o.Perms && !o.Archive)
	add("--owner", o.Owner && !o.Archive)
	add("--group", o.Group && !o.Archive)
	add("--inplace", o.Inplace)
	add("--whole-file", o.WholeFile)
	add("--sparse", o.Sparse)
	add("--hard-links", o.HardLinks)
	add("--numeric-ids", o.NumericIDs)
	add("--itemize-changes", o.Itemize)
	add("--stats", o.Stats)
	add("--human-readable", o.HumanReadable)
	add("--dirs", o.Dirs)
	add("--mkpath", o.Mkpath)

	if o.Chmod != "" {
		args = append(args, "--chmod="+o.Chmod)
	}

	for _, p := range o.Excludes {
		args = append(args, "--exclude", p)
	}
	for _, p := range o.Includes {
		args = append(args, "--include", p)
	}
	if o.ExcludeFrom != "" {
		args = append(args, "--exclude-from", o.ExcludeFrom)
	}
	if o.IncludeFrom != "" {
		args = append(args, "--include-from", o.IncludeFrom)
	}

	if o.BwLimitKBps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", o.BwLimitKBps))
	}
	if o.TimeoutSec > 0 {
		args = append(args, fmt.Sprintf("--timeout=%d", o.TimeoutSec))
	}
	if o.MaxSize != "" {
		args = append(args, "--max-size="+o.MaxSize)
	}
	if o.MinSize != "" {
		args = append(args, "--min-size="+o.MinSize)
	}
	if o.LogFile != "" {
		args = append(args, "--log-file="+o.LogFile)
	}
	if o.TempDir != "" {
		args = append(args, "--temp-dir="+o.TempDir)
	}

	if transport != "" {
		args = append(args, "-e", transport)
	}
	return append(args, src, dst)
}

// RemoteSpec formats user@host:path for the tool's command line.
func RemoteSpec(username, host, path string) string {
	return fmt.Sprintf("%s@%s:%s", username, host, path)
}
