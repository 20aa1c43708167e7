// Package verify answers the integrity question for a single entity: does
// the row as it exists right now still match what was anchored on chain.
package verify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medtrust/anchord/canonical"
	"github.com/medtrust/anchord/chain"
	"github.com/medtrust/anchord/errors"
	"github.com/medtrust/anchord/store"
)

// Verdict is the verifier's conclusion about one entity.
type Verdict string

const (
	// VerdictIntact means the current row hashes to the anchored hash.
	VerdictIntact Verdict = "INTACT"
	// VerdictModified means the row, the stored hash, and the chain
	// disagree somewhere. Any disagreement is tamper evidence.
	VerdictModified Verdict = "MODIFIED"
	// VerdictNotOnChain means no chain-side hash exists for the entity,
	// either because the kind is ledger-only or nothing was anchored yet.
	VerdictNotOnChain Verdict = "NOT_ON_CHAIN"
	// VerdictAbsent means the row itself does not exist.
	VerdictAbsent Verdict = "ABSENT"
)

// Report is the verdict plus the hashes it was decided on.
type Report struct {
	Kind        store.Kind  `json:"kind"`
	EntityID    uint64      `json:"entity_id"`
	Verdict     Verdict     `json:"verdict"`
	CurrentHash string      `json:"current_hash,omitempty"`
	StoredHash  string      `json:"stored_hash,omitempty"`
	ChainHash   string      `json:"chain_hash,omitempty"`
	ChainExists bool        `json:"chain_exists"`
	TxHash      string      `json:"tx_hash,omitempty"`
	ConfirmedAt *time.Time  `json:"confirmed_at,omitempty"`
}

// HashReader is the chain view call the verifier depends on.
type HashReader interface {
	GetHash(ctx context.Context, kind store.Kind, entityID uint64) (string, string, time.Time, bool, error)
}

// IntegrityReader is the store read the verifier depends on.
type IntegrityReader interface {
	ReadIntegrity(kind store.Kind, entityID uint64) (*store.Integrity, error)
}

// Verifier is read-only and idempotent; it never writes to the ledger.
type Verifier struct {
	chainReader HashReader
	anchors     IntegrityReader
	logger      zerolog.Logger
}

// NewVerifier creates a verifier. chainReader may be nil for deployments
// with no RPC endpoint; every on-chain kind then reports NOT_ON_CHAIN.
func NewVerifier(chainReader HashReader, anchors IntegrityReader, logger zerolog.Logger) *Verifier {
	return &Verifier{
		chainReader: chainReader,
		anchors:     anchors,
		logger:      logger.With().Str("component", "verifier").Logger(),
	}
}

// Verify decides the verdict for (kind, id) given the row's current
// content. A nil row means the row does not exist. All hash comparisons
// are byte-exact after lowercasing.
func (v *Verifier) Verify(ctx context.Context, kind store.Kind, entityID uint64, row canonical.Row) (*Report, error) {
	if !kind.Valid() {
		return nil, errors.Newf(errors.CodeBadCanonicalization, "unknown kind %q", kind)
	}

	report := &Report{Kind: kind, EntityID: entityID}

	integrity, err := v.anchors.ReadIntegrity(kind, entityID)
	if err != nil && !errors.HasCode(err, errors.CodeNotFound) {
		return nil, err
	}
	if integrity != nil {
		report.StoredHash = store.NormalizeHash(integrity.ContentHash)
		report.TxHash = integrity.TxHash
		report.ConfirmedAt = integrity.LastSyncedAt
	}

	if row == nil {
		report.Verdict = VerdictAbsent
		return report, nil
	}

	currentHash, err := canonical.Hash(kind, row)
	if err != nil {
		return nil, err
	}
	report.CurrentHash = store.NormalizeHash(currentHash)

	if report.StoredHash == "" {
		report.Verdict = VerdictNotOnChain
		return report, nil
	}

	chainHash, exists, err := v.chainHash(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	report.ChainHash = chainHash
	report.ChainExists = exists

	switch {
	case chainHash == "":
		report.Verdict = VerdictNotOnChain
	case chainHash != report.StoredHash:
		// The database and the contract disagree about what was anchored;
		// one of them was altered after the fact.
		report.Verdict = VerdictModified
	case report.CurrentHash == report.StoredHash:
		report.Verdict = VerdictIntact
	default:
		report.Verdict = VerdictModified
	}

	v.logger.Debug().
		Str("kind", string(kind)).
		Uint64("entity_id", entityID).
		Str("verdict", string(report.Verdict)).
		Msg("verification complete")
	return report, nil
}

// chainHash fetches the contract-side hash. Ledger-only kinds and ids the
// contract has never seen report an empty hash, never an error. A deleted
// entity keeps its last hash with exists=false, so tombstoned rows remain
// verifiable.
func (v *Verifier) chainHash(ctx context.Context, kind store.Kind, entityID uint64) (string, bool, error) {
	if !kind.OnChain() || v.chainReader == nil {
		return "", false, nil
	}

	hash, _, _, exists, err := v.chainReader.GetHash(ctx, kind, entityID)
	if err != nil {
		if errors.Is(err, chain.ErrNotOnChain) || errors.HasCode(err, errors.CodeNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return store.NormalizeHash(hash), exists, nil
}
