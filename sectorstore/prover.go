package sectorstore

import (
	"bytes"

	cbor "github.com/ipfs/go-ipld-cbor"
	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fil-sectorbuilder/commp"
)

func init() {
	cbor.RegisterCborType(SealOutput{})
	cbor.RegisterCborType(PoStOutput{})
}

// SealJob is the immutable input to one seal: a sealed sector's raw bytes
// plus the piece manifest and randomness the real PoRep primitive would
// take.
type SealJob struct {
	ProverID    [31]byte
	Pieces      []PieceInfo
	Ticket      SealTicket
	SealedBytes []byte
}

// SealProver is the cryptographic collaborator standing in for the real
// PoRep/PoSt primitive. Implementations must be safe for concurrent use:
// the sealer pool calls Seal from every worker goroutine.
type SealProver interface {
	Seal(job SealJob) (SealOutput, error)
	GeneratePoSt(commRs [][32]byte, challengeSeed [32]byte) (PoStOutput, error)
}

// StubProver is a deterministic, non-cryptographic SealProver: it computes
// CommD for real (by streaming the sealed sector's already-padded bytes
// through the same commp.Calc accumulator used for pieces), then derives
// CommR and CommRStar as sha256simd digests so the result is deterministic
// in (CommD, ticket, proverID) without claiming to be an actual replica
// commitment. It exists to drive the scheduler's reconciliation logic end
// to end in tests and local runs.
type StubProver struct{}

// Seal implements SealProver.
func (StubProver) Seal(job SealJob) (SealOutput, error) {
	sealed := job.SealedBytes
	if len(sealed) < 65 {
		// commp has no commitment for fewer than 65 bytes; a shorter sector
		// is committed as if zero-padded, as Digest already zero-pads a
		// trailing partial 127-byte block.
		sealed = append(append([]byte{}, sealed...), make([]byte, 65-len(sealed))...)
	}
	rawCommD, _, err := commp.Sum(bytes.NewReader(sealed))
	if err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: computing CommD: %w", err)
	}
	var commD [32]byte
	copy(commD[:], rawCommD)

	commR := sha256simd.Sum256(concat(commD[:], job.Ticket.TicketBytes[:], job.ProverID[:]))
	commRStar := sha256simd.Sum256(concat(commR[:], commD[:]))

	return SealOutput{
		CommR:     commR,
		CommD:     commD,
		CommRStar: commRStar,
		Proof:     append(append([]byte{}, commR[:]...), commRStar[:]...),
	}, nil
}

// GeneratePoSt implements SealProver. The stub proof is the concatenation
// of the challenge seed and every commR, hashed once; there is no notion of
// faults without a real replica to challenge, so Faults is always empty.
func (StubProver) GeneratePoSt(commRs [][32]byte, challengeSeed [32]byte) (PoStOutput, error) {
	h := sha256simd.New()
	h.Write(challengeSeed[:])
	for _, cr := range commRs {
		h.Write(cr[:])
	}
	return PoStOutput{Proof: h.Sum(nil)}, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
