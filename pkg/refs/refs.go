// Package refs provides the typed reference schema used throughout the loop
// engine for cross-entity references: a loop's directive, a stage's evidence
// bundle, a gate definition. A TypedRef is a lookup relation, never an
// ownership relation, which keeps the entity graph free of ownership cycles.
package refs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TypeKey categorizes what kind of entity a reference points to.
type TypeKey string

const (
	TypeLoop           TypeKey = "loop"
	TypeIteration      TypeKey = "iteration"
	TypeRun            TypeKey = "run"
	TypeCandidate      TypeKey = "candidate"
	TypeOracleSuite    TypeKey = "oracle_suite"
	TypeEvidenceBundle TypeKey = "evidence_bundle"
	TypeGate           TypeKey = "gate"
	TypeDirective      TypeKey = "directive"
	TypeIntake         TypeKey = "intake"
	TypeTemplate       TypeKey = "template"
	TypeStage          TypeKey = "stage"
	TypeWorkSurface    TypeKey = "work_surface"
	TypeOverride       TypeKey = "override"
	TypeException      TypeKey = "exception"
)

// Rel describes how the referencing entity relates to the referenced entity.
type Rel string

const (
	RelAbout       Rel = "about"
	RelDependsOn   Rel = "depends_on"
	RelSupportedBy Rel = "supported_by"
	RelProduces    Rel = "produces"
	RelVerifies    Rel = "verifies"
	RelGovernedBy  Rel = "governed_by"
	RelOverriddenBy Rel = "overridden_by"
)

// TypedRef cross-references an entity without embedding it.
type TypedRef struct {
	TypeKey TypeKey                `json:"type_key"`
	ID      string                 `json:"id"`
	Rel     Rel                    `json:"rel"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// New builds a TypedRef with no metadata.
func New(typeKey TypeKey, id string, rel Rel) TypedRef {
	return TypedRef{TypeKey: typeKey, ID: id, Rel: rel}
}

// Validate checks the structural requirements of a ref.
func (r TypedRef) Validate() error {
	if r.TypeKey == "" {
		return fmt.Errorf("typed ref: missing type_key")
	}
	if r.ID == "" {
		return fmt.Errorf("typed ref: missing id")
	}
	if r.Rel == "" {
		return fmt.Errorf("typed ref: missing rel")
	}
	return nil
}

// Dereferenceable reports whether this ref kind carries content that can be
// fetched from a store (as opposed to a naming-only reference).
func (r TypedRef) Dereferenceable() bool {
	switch r.TypeKey {
	case TypeEvidenceBundle, TypeCandidate, TypeIntake, TypeTemplate, TypeOverride:
		return true
	default:
		return false
	}
}

// ContentHash returns the sha256 content hash recorded in Meta, if any.
func (r TypedRef) ContentHash() (string, bool) {
	if r.Meta == nil {
		return "", false
	}
	h, ok := r.Meta["content_hash"].(string)
	return h, ok
}

// ============================================================================
// Identifier constructors
// ============================================================================

// NewLoopID returns a fresh loop identifier of the form loop_<uuid>.
func NewLoopID() string { return "loop_" + uuid.New().String() }

// NewIterationID returns a fresh iteration identifier of the form iter_<uuid>.
func NewIterationID() string { return "iter_" + uuid.New().String() }

// NewRunID returns a fresh oracle run identifier of the form run_<uuid>.
func NewRunID() string { return "run_" + uuid.New().String() }

// NewCandidateID builds a candidate identity binding an optional git commit,
// the candidate content hash, and a fresh disambiguator. Format:
// git:<sha>|sha256:<hash>|cand_<uuid>.
func NewCandidateID(gitSHA, contentHashHex string) string {
	parts := make([]string, 0, 3)
	if gitSHA != "" {
		parts = append(parts, "git:"+gitSHA)
	}
	parts = append(parts, "sha256:"+contentHashHex)
	parts = append(parts, "cand_"+uuid.New().String())
	return strings.Join(parts, "|")
}

// ContentAddress is a sha256:<64-hex> content address.
type ContentAddress string

var contentAddressRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// NewContentAddress prefixes a hex digest with the sha256 scheme.
func NewContentAddress(hexDigest string) ContentAddress {
	return ContentAddress("sha256:" + hexDigest)
}

// Valid reports whether the address is a well-formed sha256 content address.
func (a ContentAddress) Valid() bool {
	return contentAddressRe.MatchString(string(a))
}

func (a ContentAddress) String() string { return string(a) }
