package domain

import (
	"encoding/json"
	"fmt"
)

// ResultSpecSchemaVersion is the current worker result contract version.
const ResultSpecSchemaVersion = 1

// ResultStatus is the closed set of worker outcome statuses.
type ResultStatus string

const (
	ResultSucceeded  ResultStatus = "succeeded"
	ResultNeedsInput ResultStatus = "needs_input"
	ResultBlocked    ResultStatus = "blocked"
	ResultFailed     ResultStatus = "failed"
	ResultCanceled   ResultStatus = "canceled"
)

// KnownResultStatus reports whether s is a member of the closed set.
func KnownResultStatus(s ResultStatus) bool {
	switch s {
	case ResultSucceeded, ResultNeedsInput, ResultBlocked, ResultFailed, ResultCanceled:
		return true
	}
	return false
}

// ResultError is a single error entry inside a ResultSpec.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ResultSpec is the normalized worker result. Every worker output either
// normalizes to a validating ResultSpec or to the needs_input fallback.
type ResultSpec struct {
	SchemaVersion int           `json:"schema_version"`
	Type          string        `json:"type"` // always "result"
	JobID         string        `json:"job_id"`
	AttemptRunID  string        `json:"attempt_run_id"`
	Status        ResultStatus  `json:"status"`
	Summary       string        `json:"summary"`
	FilesChanged  []string      `json:"files_changed"`
	CommandsRun   []string      `json:"commands_run"`
	Artifacts     []string      `json:"artifacts"`
	NextActions   []string      `json:"next_actions"`
	Errors        []ResultError `json:"errors"`
}

// Validate checks the full ResultSpec schema. The expected job and run ids
// are enforced; fields that are nil slices are tolerated.
func (r *ResultSpec) Validate(expectJobID, expectRunID string) error {
	if r.Type != "result" {
		return Ef(CodeResultSchemaInvalid, "result.validate", "type %q is not \"result\"", r.Type)
	}
	if r.SchemaVersion != ResultSpecSchemaVersion {
		return Ef(CodeResultSchemaInvalid, "result.validate", "unsupported schema_version %d", r.SchemaVersion)
	}
	if !KnownResultStatus(r.Status) {
		return Ef(CodeResultSchemaInvalid, "result.validate", "unknown status %q", r.Status)
	}
	if r.Summary == "" {
		return Ef(CodeResultSchemaInvalid, "result.validate", "summary is required")
	}
	if expectJobID != "" && r.JobID != expectJobID {
		return Ef(CodeResultJobIDMismatch, "result.validate", "job_id %q does not match expected %q", r.JobID, expectJobID)
	}
	if expectRunID != "" && r.AttemptRunID != expectRunID {
		return Ef(CodeResultJobIDMismatch, "result.validate", "attempt_run_id %q does not match expected %q", r.AttemptRunID, expectRunID)
	}
	return nil
}

// HeartbeatActionKind is the closed set of auto-action kinds a worker
// report may propose.
type HeartbeatActionKind string

const (
	ActionLaunchJob          HeartbeatActionKind = "launch_job"
	ActionAddComment         HeartbeatActionKind = "add_comment"
	ActionCreateApprovalItem HeartbeatActionKind = "create_approval_item"
	ActionNoop               HeartbeatActionKind = "noop"
)

// HeartbeatAction is one proposed action from a heartbeat worker report.
type HeartbeatAction struct {
	Kind           HeartbeatActionKind `json:"kind"`
	IdempotencyKey string              `json:"idempotency_key"`
	Risk           string              `json:"risk"` // low | medium | high
	NeedsApproval  bool                `json:"needs_approval,omitempty"`
	ProjectID      string              `json:"project_id,omitempty"`
	TargetAgentID  string              `json:"target_agent_id,omitempty"`
	Goal           string              `json:"goal,omitempty"`
	Comment        string              `json:"comment,omitempty"`
	Reason         string              `json:"reason,omitempty"`
}

// HeartbeatReport is a worker's structured triage report: either a bare
// liveness token or a list of proposed actions.
type HeartbeatReport struct {
	Status  string            `json:"status"` // ok | actions
	Token   string            `json:"token,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Actions []HeartbeatAction `json:"actions,omitempty"`
}

// HeartbeatOKToken is the liveness token an "ok" report must carry.
const HeartbeatOKToken = "HEARTBEAT_OK"

// DecodeHeartbeatReport strictly decodes a worker heartbeat report,
// rejecting unknown status or action kinds. Dynamic worker output is
// modeled as a closed tagged union with a single reviver.
func DecodeHeartbeatReport(data []byte) (*HeartbeatReport, error) {
	var rep HeartbeatReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, E(CodeResultUnparseable, "heartbeat.decode_report", err)
	}
	switch rep.Status {
	case "ok":
		if rep.Token != HeartbeatOKToken {
			return nil, Ef(CodeResultSchemaInvalid, "heartbeat.decode_report", "ok report missing token %q", HeartbeatOKToken)
		}
	case "actions":
		for i, a := range rep.Actions {
			switch a.Kind {
			case ActionLaunchJob, ActionAddComment, ActionCreateApprovalItem, ActionNoop:
			default:
				return nil, Ef(CodeResultSchemaInvalid, "heartbeat.decode_report", "action %d has unknown kind %q", i, a.Kind)
			}
			if a.IdempotencyKey == "" {
				return nil, Ef(CodeResultSchemaInvalid, "heartbeat.decode_report", "action %d missing idempotency_key", i)
			}
			switch a.Risk {
			case "low", "medium", "high":
			default:
				return nil, Ef(CodeResultSchemaInvalid, "heartbeat.decode_report", "action %d has unknown risk %q", i, a.Risk)
			}
		}
	default:
		return nil, fmt.Errorf("decode heartbeat report: unknown status %q", rep.Status)
	}
	return &rep, nil
}
