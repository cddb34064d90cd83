package evidence

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

func samplePacket(summary string) *contracts.EvidencePacket {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &contracts.EvidencePacket{
		Schema:      contracts.EvidencePacketSchema,
		OracleID:    "oracle.lint",
		CandidateID: "cand_a",
		SuiteID:     "suite.core",
		SuiteHash:   "sha256:" + strings.Repeat("c", 64),
		StageID:     "stage.build",
		Status:      contracts.PacketOK,
		StartedAt:   ts,
		CompletedAt: ts.Add(time.Second),
		DurationMs:  1000,
		Summary:     summary,
		Artifacts:   []refs.TypedRef{},
		Decision:    &contracts.EvalDecision{Status: contracts.DecisionPass, RuleID: "r1"},
	}
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqls, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqls,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := samplePacket("ok")

			addr, err := store.Put(ctx, p, "")
			require.NoError(t, err)
			assert.True(t, addr.Valid())

			got, err := store.Get(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, p.SuiteID, got.SuiteID)
			assert.Equal(t, p.Summary, got.Summary)

			gotAddr, err := got.ContentAddress()
			require.NoError(t, err)
			assert.Equal(t, addr, gotAddr, "read-back packet hashes to the same address")
		})
	}
}

func TestDuplicatePutIsIdempotent(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a1, err := store.Put(ctx, samplePacket("same"), "")
			require.NoError(t, err)
			a2, err := store.Put(ctx, samplePacket("same"), "")
			require.NoError(t, err)
			assert.Equal(t, a1, a2)
		})
	}
}

func TestDeclaredAddressMismatchIsCorruption(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bogus := refs.NewContentAddress(strings.Repeat("0", 64))
			_, err := store.Put(ctx, samplePacket("x"), bogus)
			require.ErrorIs(t, err, ErrCorruption)

			ok, err := store.Has(ctx, bogus)
			require.NoError(t, err)
			assert.False(t, ok, "nothing written on corruption")
		})
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			addr := refs.NewContentAddress(strings.Repeat("f", 64))
			_, err := store.Get(context.Background(), addr)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDereferenceable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	addr, err := store.Put(ctx, samplePacket("deref"), "")
	require.NoError(t, err)

	present := refs.New(refs.TypeEvidenceBundle, addr.String(), refs.RelSupportedBy)
	assert.True(t, Dereferenceable(ctx, store, present))

	absent := refs.New(refs.TypeEvidenceBundle, "sha256:"+strings.Repeat("9", 64), refs.RelSupportedBy)
	assert.False(t, Dereferenceable(ctx, store, absent))

	opaque := refs.New(refs.TypeDirective, "dir_1", refs.RelGovernedBy)
	assert.False(t, Dereferenceable(ctx, store, opaque), "directives are not dereferenceable")
}

func TestRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)
	store := NewMemoryStore()
	ctx := context.Background()

	properties.Property("stored packets read back byte-faithful", prop.ForAll(
		func(summary string, exit int, status bool) bool {
			p := samplePacket(summary)
			p.ExitCode = exit
			if !status {
				p.Status = contracts.PacketError
				p.Decision = nil
			}
			addr, err := store.Put(ctx, p, "")
			if err != nil {
				return false
			}
			got, err := store.Get(ctx, addr)
			if err != nil {
				return false
			}
			gotAddr, err := got.ContentAddress()
			return err == nil && gotAddr == addr
		},
		gen.AlphaString(),
		gen.IntRange(0, 255),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
