// Package sectorbuilder implements the bin packer, scheduler, sealer pool,
// and façade that turn a stream of client-supplied pieces into sealed
// sectors. A single goroutine (the scheduler) owns every byte of mutable
// sector metadata; everything else talks to it over channels.
package sectorbuilder

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-fil-sectorbuilder/commp"
)

// Piece is an accepted, immutable client blob, located within the logical
// (unpadded) byte stream of the staged sector that holds it.
type Piece struct {
	Key         string
	NumBytes    uint64
	CommP       [32]byte
	StartOffset uint64
}

// PieceCID wraps the piece's commitment as a cid.Cid for display.
func (p Piece) PieceCID() (cid.Cid, error) {
	return commp.PieceCID(p.CommP[:])
}

// SealStatus records whether a staged sector is pending, is sealing, or
// failed to seal.
type SealStatus int

const (
	SealStatusPending SealStatus = iota
	SealStatusSealing
	SealStatusFailed
)

func (s SealStatus) String() string {
	switch s {
	case SealStatusPending:
		return "pending"
	case SealStatusSealing:
		return "sealing"
	case SealStatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SectorSealStatus is the result of GetSealStatus, which looks a sector id
// up in both the sealed and staged maps: Sealed and NotFound are states a
// StagedSectorMetadata itself can never be in.
type SectorSealStatus int

const (
	StatusSealed SectorSealStatus = iota
	StatusPending
	StatusSealing
	StatusFailed
	StatusNotFound
)

func (s SectorSealStatus) String() string {
	switch s {
	case StatusSealed:
		return "sealed"
	case StatusPending:
		return "pending"
	case StatusSealing:
		return "sealing"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StagedSectorMetadata is a sector still accepting pieces, or sealing.
type StagedSectorMetadata struct {
	SectorID     uint64
	SectorAccess string
	Pieces       []Piece
	SealStatus   SealStatus
	FailureMsg   string
}

// UsedBytes is the sum of the logical (unpadded) bytes of every piece
// already accepted into this sector.
func (s *StagedSectorMetadata) UsedBytes() uint64 {
	var n uint64
	for _, p := range s.Pieces {
		n += p.NumBytes
	}
	return n
}

// SealTicket is caller-supplied randomness bound into a seal job so that
// resealing the same pieces with a different ticket yields a different
// replica commitment.
type SealTicket struct {
	BlockHeight uint64
	TicketBytes [32]byte
}

// SealedSectorMetadata is the frozen record of a successfully sealed
// sector.
type SealedSectorMetadata struct {
	SectorID     uint64
	SectorAccess string
	Pieces       []Piece
	CommR        [32]byte
	CommD        [32]byte
	CommRStar    [32]byte
	Proof        []byte
	Ticket       SealTicket
}

// PersistentSnapshot is the entire durable state for one prover id.
type PersistentSnapshot struct {
	Staged       map[uint64]*StagedSectorMetadata
	Sealed       map[uint64]*SealedSectorMetadata
	NextSectorID uint64
}

func newSnapshot() *PersistentSnapshot {
	return &PersistentSnapshot{
		Staged: make(map[uint64]*StagedSectorMetadata),
		Sealed: make(map[uint64]*SealedSectorMetadata),
	}
}

// Config bounds how pieces get packed into staged sectors and how many
// sealer goroutines the builder runs.
type Config struct {
	// SectorSize is the maximum number of logical (pre-Fr32) bytes a staged
	// sector may hold when sectorstore.Config.MaxUnsealedBytesPerSector is
	// zero; otherwise the sector store's limit applies.
	SectorSize uint64

	// MaxNumStagedSectors bounds how many sectors may be simultaneously
	// pending/sealing before AddPiece starts rejecting new pieces.
	MaxNumStagedSectors uint8

	// NumSealWorkers is the size of the sealer pool. Zero defaults to 2.
	NumSealWorkers int
}

func (c Config) normalized() Config {
	if c.NumSealWorkers <= 0 {
		c.NumSealWorkers = 2
	}
	return c
}
