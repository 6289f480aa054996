package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentcompany/agentcompany/internal/domain"
)

// wrapperKeys are the envelope keys providers like to bury results under.
var wrapperKeys = []string{
	"structured_output", "result", "response", "payload", "data",
	"output", "message", "content", "text", "completion", "delta",
}

var (
	fencedJSONRe  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// lenientRepair strips a BOM and trailing commas so almost-JSON still
// parses.
func lenientRepair(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "\uFEFF"))
	return trailingComma.ReplaceAllString(s, "$1")
}

func parseObject(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, true
	}
	if err := json.Unmarshal([]byte(lenientRepair(s)), &m); err == nil {
		return m, true
	}
	return nil, false
}

// looksLikeResult is the shape check applied before schema validation.
func looksLikeResult(m map[string]any) bool {
	if _, ok := m["status"]; ok {
		return true
	}
	if _, ok := m["summary"]; ok {
		return true
	}
	_, hasJob := m["job_id"]
	_, hasRun := m["attempt_run_id"]
	return hasJob && hasRun
}

// unwrap collects result-shaped objects from m and from any value buried
// under a wrapper key, re-parsing string values as JSON as it descends.
func unwrap(m map[string]any, depth int, out *[]map[string]any) {
	if depth > 8 {
		return
	}
	if looksLikeResult(m) {
		*out = append(*out, m)
	}
	for _, key := range wrapperKeys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch inner := v.(type) {
		case map[string]any:
			unwrap(inner, depth+1, out)
		case string:
			s := inner
			// A string value may itself be JSON, possibly twice over.
			for i := 0; i < 3; i++ {
				obj, ok := parseObject(s)
				if ok {
					unwrap(obj, depth+1, out)
					break
				}
				var unquoted string
				if err := json.Unmarshal([]byte(s), &unquoted); err != nil {
					break
				}
				s = unquoted
			}
		}
	}
}

// balancedObjects scans raw for top-level {...} substrings, respecting
// strings and escapes.
func balancedObjects(raw string) []string {
	var out []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, raw[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

// extractCandidates runs the extraction ladder and returns result-shaped
// objects in preference order.
func extractCandidates(raw string) []map[string]any {
	var out []map[string]any

	// (a) The whole text as JSON.
	if m, ok := parseObject(raw); ok {
		unwrap(m, 0, &out)
	}
	// (b) Fenced code blocks.
	for _, match := range fencedJSONRe.FindAllStringSubmatch(raw, -1) {
		if m, ok := parseObject(match[1]); ok {
			unwrap(m, 0, &out)
		}
	}
	// (c) Balanced object scan.
	if len(out) == 0 {
		for _, s := range balancedObjects(raw) {
			if m, ok := parseObject(s); ok {
				unwrap(m, 0, &out)
			}
		}
	}
	return out
}

// RawCandidates returns every JSON object the extraction ladder finds in
// raw, re-marshaled, in preference order. Callers with their own schema
// (heartbeat reports) decode these instead of the result contract.
func RawCandidates(raw string) [][]byte {
	var out [][]byte
	if m, ok := parseObject(raw); ok {
		if data, err := json.Marshal(m); err == nil {
			out = append(out, data)
		}
	}
	for _, match := range fencedJSONRe.FindAllStringSubmatch(raw, -1) {
		if m, ok := parseObject(match[1]); ok {
			if data, err := json.Marshal(m); err == nil {
				out = append(out, data)
			}
		}
	}
	if len(out) == 0 {
		for _, s := range balancedObjects(raw) {
			if m, ok := parseObject(s); ok {
				if data, err := json.Marshal(m); err == nil {
					out = append(out, data)
				}
			}
		}
	}
	return out
}

// Normalize turns raw worker output into a validated ResultSpec. Missing
// job and attempt ids are forced to the expected values; any other schema
// violation fails the candidate.
func Normalize(raw, jobID, runID string) (*domain.ResultSpec, error) {
	candidates := extractCandidates(raw)
	if len(candidates) == 0 {
		return nil, domain.Ef(domain.CodeResultUnparseable, "worker.normalize",
			"no result-shaped JSON object found in %d bytes of output", len(raw))
	}
	var firstErr error
	for _, cand := range candidates {
		spec, err := decodeCandidate(cand, jobID, runID)
		if err == nil {
			return spec, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func decodeCandidate(m map[string]any, jobID, runID string) (*domain.ResultSpec, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, domain.E(domain.CodeResultUnparseable, "worker.normalize", err)
	}
	var spec domain.ResultSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, domain.E(domain.CodeResultSchemaInvalid, "worker.normalize", err)
	}
	if spec.SchemaVersion == 0 {
		spec.SchemaVersion = domain.ResultSpecSchemaVersion
	}
	if spec.Type == "" {
		spec.Type = "result"
	}
	if spec.JobID == "" {
		spec.JobID = jobID
	}
	if spec.AttemptRunID == "" {
		spec.AttemptRunID = runID
	}
	if err := spec.Validate(jobID, runID); err != nil {
		return nil, err
	}
	return &spec, nil
}

// FallbackResult is the typed needs_input result emitted when output
// cannot be normalized after all repair attempts.
func FallbackResult(jobID, runID string, cause error) *domain.ResultSpec {
	code := domain.ErrorCode(cause)
	if code == "" {
		code = domain.CodeResultUnparseable
	}
	return &domain.ResultSpec{
		SchemaVersion: domain.ResultSpecSchemaVersion,
		Type:          "result",
		JobID:         jobID,
		AttemptRunID:  runID,
		Status:        domain.ResultNeedsInput,
		Summary:       "Worker output could not be normalized to the result contract; manual review needed.",
		FilesChanged:  []string{},
		CommandsRun:   []string{},
		Artifacts:     []string{},
		NextActions:   []string{},
		Errors:        []domain.ResultError{{Code: code, Message: cause.Error()}},
	}
}

// RepairPrompt asks the worker to re-emit strict JSON, naming the issues
// from the failed attempt.
func RepairPrompt(jobID, runID string, cause error) string {
	var b strings.Builder
	b.WriteString("Your previous output could not be parsed as a valid result. ")
	b.WriteString("Respond with a single strict JSON object and nothing else.\n\n")
	fmt.Fprintf(&b, "Problems found:\n- %v\n\n", cause)
	b.WriteString("Required schema:\n")
	fmt.Fprintf(&b, `{"schema_version": 1, "type": "result", "job_id": %q, "attempt_run_id": %q, `, jobID, runID)
	b.WriteString(`"status": "succeeded|needs_input|blocked|failed|canceled", "summary": "...", `)
	b.WriteString(`"files_changed": [], "commands_run": [], "artifacts": [], "next_actions": [], "errors": []}`)
	b.WriteString("\nDo not wrap the object in markdown fences or any envelope key.")
	return b.String()
}

// ExtractClaudeStream pulls the final assistant markdown out of a Claude
// stream-JSON transcript. Returns false when the text is not stream-JSON.
func ExtractClaudeStream(raw string) (string, bool) {
	var last string
	sawStream := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var msg struct {
			Type    string `json:"type"`
			Result  string `json:"result"`
			Message struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "assistant":
			sawStream = true
			var parts []string
			for _, c := range msg.Message.Content {
				if c.Type == "text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				last = strings.Join(parts, "\n")
			}
		case "result":
			sawStream = true
			if msg.Result != "" {
				last = msg.Result
			}
		}
	}
	return last, sawStream && last != ""
}
