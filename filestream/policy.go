package filestream

import (
	"strings"

	"github.com/runsync/runsync/api"
)

// Policy turns lines pushed for a file into the chunk sent to the backend.
// Policies keep track of the line offset of the file on the backend.
type Policy interface {
	Process(lines []string) api.FileChunk
}

// JSONLPolicy appends lines to a file. The backend offset starts at
// startChunk, which is non zero for resumed runs.
type JSONLPolicy struct {
	next int
}

// NewJSONLPolicy returns a JSONL policy
func NewJSONLPolicy(startChunk int) *JSONLPolicy {
	return &JSONLPolicy{next: startChunk}
}

// Process lines
func (p *JSONLPolicy) Process(lines []string) api.FileChunk {
	c := api.FileChunk{Offset: p.next, Content: lines}
	p.next += len(lines)
	return c
}

// SummaryPolicy replaces the whole file with the latest line
type SummaryPolicy struct{}

// Process lines
func (SummaryPolicy) Process(lines []string) api.FileChunk {
	if len(lines) == 0 {
		return api.FileChunk{}
	}
	return api.FileChunk{Offset: 0, Content: lines[len(lines)-1:]}
}

// CRDedupePolicy is used for console output. Progress bars rewrite a line
// with carriage returns, only the final text of such lines is kept.
type CRDedupePolicy struct {
	JSONLPolicy
}

// NewCRDedupePolicy returns a policy for console output
func NewCRDedupePolicy(startChunk int) *CRDedupePolicy {
	return &CRDedupePolicy{JSONLPolicy{next: startChunk}}
}

// Process lines
func (p *CRDedupePolicy) Process(lines []string) api.FileChunk {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, dedupeCR(l))
	}
	return p.JSONLPolicy.Process(out)
}

// dedupeCR keeps the text after the last carriage return. The line prefix
// (ERROR marker and timestamp) added before the text is preserved.
func dedupeCR(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")
	i := strings.LastIndex(trimmed, "\r")
	if i < 0 {
		return line
	}

	prefix := linePrefix(trimmed)
	return prefix + trimmed[i+1:] + line[len(trimmed):]
}

// linePrefix returns the "ERROR <timestamp> " or "<timestamp> " prefix of an
// output line
func linePrefix(line string) string {
	n := 0
	rest := line
	if strings.HasPrefix(rest, "ERROR ") {
		n += len("ERROR ")
		rest = rest[n:]
	}

	sp := strings.IndexByte(rest, ' ')
	if sp < 0 || !strings.Contains(rest[:sp], "T") {
		return line[:n]
	}

	return line[:n+sp+1]
}
