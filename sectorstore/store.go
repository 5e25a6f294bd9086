// Package sectorstore defines the sector builder's external collaborators —
// the byte-level sector store and the cryptographic seal prover — and
// provides minimal default implementations of each so the scheduler and
// façade have something real to drive in tests and local runs. Neither
// default implementation is a subject of this module: FileStore is a flat
// directory of files, and StubProver stands in for PoRep/PoSt without being
// cryptographically meaningful.
package sectorstore

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fil-sectorbuilder/commp"
	"github.com/filecoin-project/go-fil-sectorbuilder/fr32"
)

// Config bounds what the default FileStore will accept; callers of
// sectorbuilder.New pass this alongside the builder's own Config.
// MaxUnsealedBytesPerSector is the per-sector capacity the packer enforces;
// when it is zero, New uses the builder's Config.SectorSize instead.
type Config struct {
	MaxUnsealedBytesPerSector uint64
}

// PieceInfo is the minimal description of a piece the seal path needs: its
// key, logical size, and already-computed commitment. It mirrors
// sectorbuilder.Piece but lives here so this package has no dependency on
// the scheduler's package.
type PieceInfo struct {
	Key      string
	NumBytes uint64
	CommP    [32]byte
}

// SealTicket is the caller-supplied randomness bound into a seal job.
type SealTicket struct {
	BlockHeight uint64
	TicketBytes [32]byte
}

// SealOutput is what a successful Seal call produces.
type SealOutput struct {
	CommR     [32]byte
	CommD     [32]byte
	CommRStar [32]byte
	Proof     []byte
}

// PoStOutput is what a successful GeneratePoSt call produces.
type PoStOutput struct {
	Proof  []byte
	Faults []uint64
}

// Store is the byte-level collaborator the scheduler drives: it applies
// Fr32 padding on write and serves raw reads for retrieval. Implementations
// must be safe for concurrent use by multiple goroutines.
type Store interface {
	// MaxUnsealedBytesPerSector is the largest number of logical
	// (pre-padding) bytes this store will accept into one staged sector.
	MaxUnsealedBytesPerSector() uint64

	// NewStagingSectorAccess allocates and returns an opaque handle to a
	// fresh, empty staged sector.
	NewStagingSectorAccess() (string, error)

	// WriteAndPreprocess streams piece through the Fr32 codec into the
	// staged sector named by access, while simultaneously computing the
	// piece's CommP over the unpadded bytes. It returns the number of
	// logical bytes accepted.
	WriteAndPreprocess(access string, piece io.Reader) (uint64, [32]byte, error)

	// ReadRaw returns length padded bytes starting at offset within the
	// sector named by access, without unpadding them.
	ReadRaw(access string, offset, length uint64) ([]byte, error)

	// Seal moves the staged sector at accessIn to the sealed sector
	// accessOut and delegates replica generation to the injected
	// SealProver.
	Seal(prover SealProver, accessIn, accessOut string, proverID [31]byte, pieces []PieceInfo, ticket SealTicket) (SealOutput, error)
}

// FileStore is the default Store: each staged sector is a flat file under
// stagedDir, named by a counter of FileStore's own rather than by sector id.
// A sealed sector is written to whatever accessOut path Seal is given;
// FileStore creates sealedDir but places no files there itself. Each file has its own
// mutex so concurrent writers to different sectors never block each other,
// while writes to the same sector serialize the way the scheduler already
// guarantees by construction (only one piece write or one seal is ever
// in flight per sector).
type FileStore struct {
	stagedDir, sealedDir string
	maxUnsealedBytes     uint64

	mu     sync.Mutex
	nextID uint64
	locks  map[string]*sync.Mutex
}

// NewFileStore returns a FileStore rooted at stagedDir/sealedDir, creating
// both directories if necessary.
func NewFileStore(stagedDir, sealedDir string, maxUnsealedBytes uint64) (*FileStore, error) {
	if err := os.MkdirAll(stagedDir, 0755); err != nil {
		return nil, xerrors.Errorf("sectorstore: creating staged dir: %w", err)
	}
	if err := os.MkdirAll(sealedDir, 0755); err != nil {
		return nil, xerrors.Errorf("sectorstore: creating sealed dir: %w", err)
	}
	return &FileStore{
		stagedDir:        stagedDir,
		sealedDir:        sealedDir,
		maxUnsealedBytes: maxUnsealedBytes,
		locks:            make(map[string]*sync.Mutex),
	}, nil
}

// MaxUnsealedBytesPerSector implements Store.
func (f *FileStore) MaxUnsealedBytesPerSector() uint64 { return f.maxUnsealedBytes }

// NewStagingSectorAccess implements Store.
func (f *FileStore) NewStagingSectorAccess() (string, error) {
	for {
		f.mu.Lock()
		id := f.nextID
		f.nextID++
		f.mu.Unlock()

		// O_EXCL skips names already on disk from an earlier FileStore over
		// the same directory, whose counter also started at zero.
		access := filepath.Join(f.stagedDir, sectorFileName(id))
		fh, err := os.OpenFile(access, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", xerrors.Errorf("sectorstore: creating staged sector file: %w", err)
		}
		return access, fh.Close()
	}
}

// WriteAndPreprocess implements Store.
func (f *FileStore) WriteAndPreprocess(access string, piece io.Reader) (uint64, [32]byte, error) {
	lock := f.lockFor(access)
	lock.Lock()
	defer lock.Unlock()

	fh, err := os.OpenFile(access, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, [32]byte{}, xerrors.Errorf("sectorstore: opening staged sector for append: %w", err)
	}
	defer fh.Close()

	cp := new(commp.Calc)
	tee := io.TeeReader(piece, cp)

	data, err := io.ReadAll(tee)
	if err != nil {
		return 0, [32]byte{}, xerrors.Errorf("sectorstore: reading piece bytes: %w", err)
	}

	if _, err := fr32.WritePadded(data, fh); err != nil {
		return 0, [32]byte{}, xerrors.Errorf("sectorstore: padding piece into staged sector: %w", err)
	}

	// commp.Calc has no commitment for fewer than 65 bytes; a shorter piece
	// is committed as if zero-padded, as Digest already zero-pads the
	// trailing partial 127-byte block of any piece.
	if len(data) < 65 {
		if _, err := cp.Write(make([]byte, 65-len(data))); err != nil {
			return 0, [32]byte{}, xerrors.Errorf("sectorstore: padding short piece for its commitment: %w", err)
		}
	}

	rawCommP, _, err := cp.Digest()
	if err != nil {
		return 0, [32]byte{}, xerrors.Errorf("sectorstore: computing piece commitment: %w", err)
	}
	var commP [32]byte
	copy(commP[:], rawCommP)

	return uint64(len(data)), commP, nil
}

// ReadRaw implements Store.
func (f *FileStore) ReadRaw(access string, offset, length uint64) ([]byte, error) {
	lock := f.lockFor(access)
	lock.Lock()
	defer lock.Unlock()

	fh, err := os.Open(access)
	if err != nil {
		return nil, xerrors.Errorf("sectorstore: opening sector for read: %w", err)
	}
	defer fh.Close()

	buf := make([]byte, length)
	n, err := fh.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, xerrors.Errorf("sectorstore: reading sector bytes: %w", err)
	}
	return buf[:n], nil
}

// Seal implements Store: it copies the staged file to the sealed path
// (standing in for replica generation) before invoking prover.
func (f *FileStore) Seal(prover SealProver, accessIn, accessOut string, proverID [31]byte, pieces []PieceInfo, ticket SealTicket) (SealOutput, error) {
	in, err := os.Open(accessIn)
	if err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: opening staged sector: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(accessOut), 0755); err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: preparing sealed sector directory: %w", err)
	}
	out, err := os.OpenFile(accessOut, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: creating sealed sector: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return SealOutput{}, xerrors.Errorf("sectorstore: copying staged bytes into sealed sector: %w", err)
	}
	if err := out.Close(); err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: closing sealed sector: %w", err)
	}

	sealedBytes, err := os.ReadFile(accessOut)
	if err != nil {
		return SealOutput{}, xerrors.Errorf("sectorstore: reading back sealed sector: %w", err)
	}

	return prover.Seal(SealJob{
		ProverID:    proverID,
		Pieces:      pieces,
		Ticket:      ticket,
		SealedBytes: sealedBytes,
	})
}

func (f *FileStore) lockFor(access string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[access]
	if !ok {
		l = new(sync.Mutex)
		f.locks[access] = l
	}
	return l
}

func sectorFileName(id uint64) string {
	return strconv.FormatUint(id, 10)
}
