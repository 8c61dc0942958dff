// Package rsync builds copy-tool command lines and translates the
// tool's stdout into structured progress ticks and final stats.
package rsync

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ProgressTick is one parsed progress line.
type ProgressTick struct {
	Bytes      int64   `json:"bytes"`
	Percent    float64 `json:"percent"`
	Speed      string  `json:"speed"`   // e.g. "1.23MB/s"
	SpeedBps   int64   `json:"speed_bps"`
	ETA        string  `json:"eta"`     // e.g. "0:01:30"
	ETASeconds int64   `json:"eta_seconds"`
	XferNum    int     `json:"xfr_num,omitempty"`
	ToCheck    int     `json:"to_check,omitempty"`
	TotalFiles int     `json:"total_files,omitempty"`
	Filename   string  `json:"filename,omitempty"`
}

// Stats is the summary block printed at the end of a run with --stats.
type Stats struct {
	FilesTotal       int   `json:"files_total"`
	FilesTransferred int   `json:"files_transferred"`
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	TotalSize        int64 `json:"total_size"`
	BytesPerSecond   int64 `json:"bytes_per_second"`
}

var (
	// "  1,234,567  45%  1.23MB/s  0:01:30" optionally
	// "(xfr#3, to-chk=5/10)" or "(xfr#3, ir-chk=5/10)".
	progressRe = regexp.MustCompile(
		`^\s+([\d,\.]+[KMGTP]?)\s+(\d+)%\s+(\S+)/s\s+(\d+:\d{2}:\d{2})` +
			`(?:\s+\(xfr#(\d+),\s+(?:to|ir)-chk=(\d+)/(\d+)\))?\s*$`)

	filesToConsiderRe = regexp.MustCompile(`^(\d[\d,]*) files? to consider`)

	// Itemized change lines, e.g. ">f+++++++++ dir/name.ext".
	itemizeRe = regexp.MustCompile(`^[<>]([fdLDS])\S{8,}\s+(.+)$`)

	statFilesTotalRe = regexp.MustCompile(`Number of files:\s+([\d,]+)`)
	statFilesXferRe  = regexp.MustCompile(`Number of (?:regular )?files transferred:\s+([\d,]+)`)
	statTotalSizeRe  = regexp.MustCompile(`Total file size:\s+([\d,\.]+[KMGTP]?)(?:\s+bytes)?`)
	statSentRecvRe   = regexp.MustCompile(`sent\s+([\d,\.]+[KMGTP]?)\s+bytes\s+received\s+([\d,\.]+[KMGTP]?)\s+bytes\s+([\d,\.]+[KMGTP]?)\s+bytes/sec`)
)

// Parser consumes copy-tool stdout line by line. It is stateful only
// for the current filename and the total file count; unparseable lines
// are ignored.
type Parser struct {
	filename   string
	totalFiles int
}

func NewParser() *Parser {
	return &Parser{}
}

// CurrentFile returns the filename from the most recent itemize line.
func (p *Parser) CurrentFile() string {
	return p.filename
}

// TotalFiles returns the file count announced at the start of the run.
func (p *Parser) TotalFiles() int {
	return p.totalFiles
}

// ParseLine classifies one stdout line. It returns a tick only for
// progress lines; itemize and file-count lines update parser state and
// return nil, as do unrecognized lines.
func (p *Parser) ParseLine(line string) *ProgressTick {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}

	if m := itemizeRe.FindStringSubmatch(line); m != nil {
		p.filename = strings.TrimSpace(m[2])
		return nil
	}

	if m := filesToConsiderRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(stripCommas(m[1])); err == nil {
			p.totalFiles = n
		}
		return nil
	}

	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	tick := &ProgressTick{
		Bytes:      parseByteCount(m[1]),
		Speed:      m[3] + "/s",
		SpeedBps:   parseByteCount(strings.TrimSuffix(m[3], "/s")),
		ETA:        m[4],
		ETASeconds: parseClock(m[4]),
		Filename:   p.filename,
		TotalFiles: p.totalFiles,
	}
	if pct, err := strconv.ParseFloat(m[2], 64); err == nil {
		tick.Percent = pct
	}
	if m[5] != "" {
		tick.XferNum, _ = strconv.Atoi(m[5])
		tick.ToCheck, _ = strconv.Atoi(m[6])
		if total, err := strconv.Atoi(m[7]); err == nil && total > tick.TotalFiles {
			tick.TotalFiles = total
			p.totalFiles = total
		}
	}
	return tick
}

// ParseStats extracts the final summary from the complete output.
// Returns nil when no stats block is present.
func ParseStats(output string) *Stats {
	var stats Stats
	found := false

	if m := statFilesTotalRe.FindStringSubmatch(output); m != nil {
		stats.FilesTotal, _ = strconv.Atoi(stripCommas(m[1]))
		found = true
	}
	if m := statFilesXferRe.FindStringSubmatch(output); m != nil {
		stats.FilesTransferred, _ = strconv.Atoi(stripCommas(m[1]))
		found = true
	}
	if m := statTotalSizeRe.FindStringSubmatch(output); m != nil {
		stats.TotalSize = parseByteCount(m[1])
		found = true
	}
	if m := statSentRecvRe.FindStringSubmatch(output); m != nil {
		stats.BytesSent = parseByteCount(m[1])
		stats.BytesReceived = parseByteCount(m[2])
		stats.BytesPerSecond = parseByteCount(m[3])
		found = true
	}

	if !found {
		return nil
	}
	return &stats
}

// parseByteCount handles both comma-grouped plain numbers
// ("1,234,567") and human-readable sizes ("1.23M", "4.5GB").
func parseByteCount(s string) int64 {
	s = stripCommas(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// Bare unit suffixes ("1.23M") are rsync shorthand for MB.
	if last := s[len(s)-1]; last >= 'A' && last <= 'Z' {
		s += "B"
	}
	if v, err := humanize.ParseBytes(s); err == nil {
		return int64(v)
	}
	return 0
}

// parseClock converts "H:MM:SS" or "MM:SS" to seconds.
func parseClock(s string) int64 {
	parts := strings.Split(s, ":")
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

func stripCommas(s string) string {
	return strings.ReplaceAll(s, ",", "")
}
