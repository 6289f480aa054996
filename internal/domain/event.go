package domain

// EnvelopeSchemaVersion is the current event envelope schema.
const EnvelopeSchemaVersion = 1

// Envelope is a single event record. Envelopes form a hash chain per
// events file: event_hash = sha256(canonical JSON of the envelope without
// event_hash), and prev_event_hash is the previous line's hash (null at
// the head of the file).
type Envelope struct {
	SchemaVersion int            `json:"schema_version"`
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	TSWallclock   string         `json:"ts_wallclock"`
	TSMonotonicMS int64          `json:"ts_monotonic_ms"`
	RunID         string         `json:"run_id,omitempty"`
	SessionRef    string         `json:"session_ref,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Visibility    Visibility     `json:"visibility"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	PrevEventHash *string        `json:"prev_event_hash"`
	EventHash     string         `json:"event_hash,omitempty"`
}

// Event types emitted by the kernel.
const (
	EventRunStarted        = "run.started"
	EventRunEnded          = "run.ended"
	EventRunFailed         = "run.failed"
	EventRunStopped        = "run.stopped"
	EventPolicyDenied      = "policy.denied"
	EventBudgetDecision    = "budget.decision"
	EventBudgetAlert       = "budget.alert"
	EventBudgetExceeded    = "budget.exceeded"
	EventSubscriptionPass  = "worker.subscription_check.passed"
	EventSubscriptionFail  = "worker.subscription_check.failed"
	EventWorkerProvenance  = "worker.cli.provenance"
	EventHeartbeatTick     = "heartbeat.tick"
	EventHeartbeatAction   = "heartbeat.action"
	EventContextPlanned    = "context.planned"
)
