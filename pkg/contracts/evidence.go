// Package contracts defines the wire and persistence contracts of the loop
// engine: evidence packets, oracle reports, decisions, and override records.
// All contracts are plain structs with JSON tags; identity of a contract is
// its RFC 8785 canonical hash.
package contracts

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/loopgate/core/pkg/canonicalize"
	"github.com/loopgate/core/pkg/refs"
)

// PacketStatus is the infrastructure-level outcome of an oracle run.
// OK means the evaluation ran to completion; the pass/fail question lives in
// the embedded decision. ERROR means the run itself faulted.
type PacketStatus string

const (
	PacketOK    PacketStatus = "OK"
	PacketError PacketStatus = "ERROR"
)

// DecisionStatus is the machine-readable outcome embedded in a packet.
type DecisionStatus string

const (
	DecisionPass          DecisionStatus = "PASS"
	DecisionFail          DecisionStatus = "FAIL"
	DecisionIndeterminate DecisionStatus = "INDETERMINATE"
)

// EvalDecision is the decision record computed by an oracle suite against its
// declared thresholds. The gate decision rule must be computable from this
// record alone, without out-of-band assumptions.
type EvalDecision struct {
	Status     DecisionStatus         `json:"status"`
	RuleID     string                 `json:"rule_id"`
	Thresholds map[string]interface{} `json:"thresholds,omitempty"`
	Rationale  string                 `json:"rationale,omitempty"`
}

// EvidencePacketSchema is the schema identifier for evidence packets.
const EvidencePacketSchema = "loopgate.evidence_packet.v1"

// EvidencePacket is the immutable record binding {candidate, suite, stage} to
// the structured outputs of one oracle run. Its identity is a pure function
// of its contents: two evaluations of the same candidate under the same suite
// version must produce bit-identical packets, and a mismatch is a defect to
// surface, never to accept silently.
type EvidencePacket struct {
	Schema      string                 `json:"schema"`
	OracleID    string                 `json:"oracle_id"`
	CandidateID string                 `json:"candidate_id"`
	SuiteID     string                 `json:"suite_id"`
	SuiteHash   string                 `json:"suite_hash"`
	StageID     string                 `json:"stage_id"`
	Status      PacketStatus           `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	DurationMs  int64                  `json:"duration_ms"`
	ExitCode    int                    `json:"exit_code"`
	Summary     string                 `json:"summary"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Artifacts   []refs.TypedRef        `json:"artifacts"`
	Decision    *EvalDecision          `json:"decision,omitempty"`
}

// ContentAddress computes the packet's content address from its canonical
// JSON form.
func (p *EvidencePacket) ContentAddress() (refs.ContentAddress, error) {
	h, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return "", err
	}
	return refs.NewContentAddress(h), nil
}

// DecodeEvidencePacket decodes a packet from stored JSON bytes. Numbers are
// decoded as json.Number so re-canonicalization reproduces the same bytes.
func DecodeEvidencePacket(data []byte) (*EvidencePacket, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var p EvidencePacket
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Fingerprint hashes the timing-independent portion of the packet. Two runs
// of the same (suite hash, candidate, seed) must produce equal fingerprints;
// timestamps and durations are excluded because wall time varies per run.
func (p *EvidencePacket) Fingerprint() (string, error) {
	reduced := map[string]interface{}{
		"schema":       p.Schema,
		"oracle_id":    p.OracleID,
		"candidate_id": p.CandidateID,
		"suite_id":     p.SuiteID,
		"suite_hash":   p.SuiteHash,
		"stage_id":     p.StageID,
		"status":       p.Status,
		"exit_code":    p.ExitCode,
		"summary":      p.Summary,
		"details":      p.Details,
		"decision":     p.Decision,
	}
	return canonicalize.CanonicalHash(reduced)
}

// Passed reports whether the packet carries a PASS decision. An ERROR packet
// or a packet without a decision never passes.
func (p *EvidencePacket) Passed() bool {
	return p.Status == PacketOK && p.Decision != nil && p.Decision.Status == DecisionPass
}

// Validate returns the list of completeness issues with the packet. An empty
// list means the packet is structurally complete.
func (p *EvidencePacket) Validate() []string {
	issues := []string{}
	if p.Schema != EvidencePacketSchema {
		issues = append(issues, "schema must be "+EvidencePacketSchema)
	}
	if p.OracleID == "" {
		issues = append(issues, "oracle_id is required")
	}
	if p.CandidateID == "" {
		issues = append(issues, "candidate_id is required")
	}
	if p.SuiteID == "" {
		issues = append(issues, "suite_id is required")
	}
	if p.StageID == "" {
		issues = append(issues, "stage_id is required")
	}
	if p.Status != PacketOK && p.Status != PacketError {
		issues = append(issues, "status must be OK or ERROR")
	}
	if p.StartedAt.IsZero() {
		issues = append(issues, "started_at is required")
	}
	if p.CompletedAt.IsZero() {
		issues = append(issues, "completed_at is required")
	}
	if p.Status == PacketOK && p.Decision == nil {
		issues = append(issues, "OK packet must carry a decision")
	}
	return issues
}

// OverrideRecord is the auditable record of an exercised relief valve: an
// explicit, recorded override path for an otherwise denying gate, never a
// silent bypass. The record is content addressed and stored alongside
// evidence so a replay can verify it.
type OverrideRecord struct {
	Schema      string          `json:"schema"`
	OverrideID  string          `json:"override_id"`
	GateID      string          `json:"gate_id"`
	StageID     string          `json:"stage_id"`
	LoopID      string          `json:"loop_id"`
	ActorID     string          `json:"actor_id"`
	ActorKind   string          `json:"actor_kind"`
	Rationale   string          `json:"rationale"`
	ExercisedAt time.Time       `json:"exercised_at"`
	Evidence    []refs.TypedRef `json:"evidence,omitempty"`
}

// OverrideRecordSchema is the schema identifier for override records.
const OverrideRecordSchema = "loopgate.override_record.v1"

// ContentAddress computes the record's content address.
func (o *OverrideRecord) ContentAddress() (refs.ContentAddress, error) {
	h, err := canonicalize.CanonicalHash(o)
	if err != nil {
		return "", err
	}
	return refs.NewContentAddress(h), nil
}
