package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/loopgate/core/pkg/config"
	"github.com/loopgate/core/pkg/gate"
	"github.com/loopgate/core/pkg/identity"
	"github.com/loopgate/core/pkg/refs"
)

// runReplayCmd implements `loopgate replay`.
//
// Re-evaluates a gate against evidence already in the store. Because gate
// evaluation is deterministic over stored packets, replay reproduces the
// verdict the engine issued when the evidence was first presented.
//
// Exit codes:
//
//	0 = verdict admits
//	1 = verdict denies or blocks
//	2 = runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		gatePath   string
		evidence   string
		actorKind  string
		jsonOutput bool
	)

	cmd.StringVar(&gatePath, "gate", "", "Path to gate definition file (REQUIRED)")
	cmd.StringVar(&evidence, "evidence", "", "Content address of the evidence packet (REQUIRED)")
	cmd.StringVar(&actorKind, "actor", string(identity.ActorAgent), "Actor kind presenting the evidence (HUMAN|AGENT|SYSTEM)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output verdict as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if gatePath == "" || evidence == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --gate and --evidence are required")
		return 2
	}

	addr := refs.ContentAddress(evidence)
	if !addr.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: %q is not a sha256 content address\n", evidence)
		return 2
	}
	kind := identity.ActorKind(actorKind)
	if !kind.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: unknown actor kind %q\n", actorKind)
		return 2
	}

	g, err := loadGate(gatePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	store, closeStore, err := openEvidenceStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeStore() }()

	eval, err := gate.NewEvaluator(store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	verdict := eval.Evaluate(ctx, gate.EvaluateInput{
		Gate:      g,
		Evidence:  []refs.TypedRef{refs.New(refs.TypeEvidenceBundle, addr.String(), refs.RelSupportedBy)},
		ActorKind: kind,
	})

	if jsonOutput {
		data, _ := json.MarshalIndent(verdict, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "gate %s: %s\n", verdict.GateID, verdict.Status)
		for _, reason := range verdict.Reasons {
			_, _ = fmt.Fprintf(stdout, "  - %s\n", reason)
		}
	}

	if verdict.Admitted() {
		return 0
	}
	return 1
}
