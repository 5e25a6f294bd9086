package sectorbuilder

import (
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

// wireSnapshot is what actually gets CBOR-encoded. go-ipld-cbor's refmt
// encoder walks structs and slices but has no atlas entry for non-string map
// keys, so PersistentSnapshot's sector-id-keyed maps are flattened to slices
// here and rebuilt into maps on the way back in.
type wireSnapshot struct {
	Staged       []*StagedSectorMetadata
	Sealed       []*SealedSectorMetadata
	NextSectorID uint64
}

func init() {
	cbor.RegisterCborType(wireSnapshot{})
	cbor.RegisterCborType(StagedSectorMetadata{})
	cbor.RegisterCborType(SealedSectorMetadata{})
	cbor.RegisterCborType(Piece{})
	cbor.RegisterCborType(SealTicket{})
}

// encodeSnapshot serializes a PersistentSnapshot to CBOR, the same
// encoding the rest of the Filecoin/IPFS stack speaks for CIDs and piece
// metadata — keeping one encoding end to end avoids a second ad hoc format
// in the metadata store.
func encodeSnapshot(snap *PersistentSnapshot) ([]byte, error) {
	wire := wireSnapshot{NextSectorID: snap.NextSectorID}
	for _, sec := range snap.Staged {
		wire.Staged = append(wire.Staged, sec)
	}
	for _, sec := range snap.Sealed {
		wire.Sealed = append(wire.Sealed, sec)
	}
	return cbor.DumpObject(wire)
}

// decodeSnapshot is the inverse of encodeSnapshot.
func decodeSnapshot(blob []byte) (*PersistentSnapshot, error) {
	var wire wireSnapshot
	if err := cbor.DecodeInto(blob, &wire); err != nil {
		return nil, xerrors.Errorf("decoding persistent snapshot: %w", err)
	}

	snap := newSnapshot()
	snap.NextSectorID = wire.NextSectorID
	for _, sec := range wire.Staged {
		snap.Staged[sec.SectorID] = sec
	}
	for _, sec := range wire.Sealed {
		snap.Sealed[sec.SectorID] = sec
	}
	return snap, nil
}
