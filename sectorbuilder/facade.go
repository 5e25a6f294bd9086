package sectorbuilder

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/filecoin-project/go-fil-sectorbuilder/metastore"
	"github.com/filecoin-project/go-fil-sectorbuilder/sectorstore"
)

// SectorBuilder is the thread-safe entry surface over the scheduler. Every
// method builds a request carrying a fresh capacity-0 reply channel, sends
// it on reqCh, and blocks on the reply — exactly the rendezvous protocol the
// scheduler goroutine expects.
type SectorBuilder struct {
	sched *scheduler
	meta  metastore.Store
	wg    sync.WaitGroup

	fatal FatalFunc
}

// New wires a metastore.BoltStore kept in metadataDir (created if absent),
// a flat-file sectorstore.Store rooted at sealedSectorDir/stagedSectorDir, a stub
// sectorstore.SealProver, the sealer pool, and the scheduler, loading any
// prior snapshot for proverID if present. lastCommittedSectorID seeds the
// sector id counter when no prior snapshot exists, so a builder resuming
// against a sector store that already has sectors committed under an older
// metadata store doesn't reissue ids that collide with them.
func New(cfg Config, sectorStoreCfg sectorstore.Config, lastCommittedSectorID uint64, metadataDir string, proverID [31]byte, sealedSectorDir, stagedSectorDir string) (*SectorBuilder, error) {
	cfg = cfg.normalized()

	maxUnsealedBytes := sectorStoreCfg.MaxUnsealedBytesPerSector
	if maxUnsealedBytes == 0 {
		maxUnsealedBytes = cfg.SectorSize
	}

	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		return nil, newErr(ErrTransient, "creating metadata dir: %w", err)
	}
	meta, err := metastore.OpenBoltStore(filepath.Join(metadataDir, "metadata.db"))
	if err != nil {
		return nil, newErr(ErrTransient, "opening metadata store: %w", err)
	}

	store, err := sectorstore.NewFileStore(stagedSectorDir, sealedSectorDir, maxUnsealedBytes)
	if err != nil {
		meta.Close()
		return nil, newErr(ErrTransient, "opening sector store: %w", err)
	}

	snapshot := newSnapshot()
	snapshot.NextSectorID = lastCommittedSectorID + 1

	if blob, ok, err := meta.Get(proverID[:]); err != nil {
		meta.Close()
		return nil, newErr(ErrTransient, "loading prior snapshot: %w", err)
	} else if ok {
		snapshot, err = decodeSnapshot(blob)
		if err != nil {
			meta.Close()
			return nil, newErr(ErrUnrecoverable, "decoding prior snapshot: %w", err)
		}
		log.Infow("loaded prior snapshot", "staged", len(snapshot.Staged), "sealed", len(snapshot.Sealed))
	}

	fatal := FatalFunc(defaultFatal)

	b := &SectorBuilder{
		meta:  meta,
		fatal: fatal,
	}
	b.sched = newScheduler(cfg, store, meta, sectorstore.StubProver{}, proverID, snapshot, fatal)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sched.run()
	}()

	return b, nil
}

// SetFatalFunc overrides the function invoked on an unrecoverable scheduler
// error. Tests use this to observe the failure instead of terminating the
// process; it must be called before any other method, before the scheduler
// has a chance to observe an unrecoverable condition.
func (b *SectorBuilder) SetFatalFunc(f FatalFunc) {
	b.fatal = f
	b.sched.fatal = f
}

func defaultFatal(args ...interface{}) {
	log.Fatal(args...)
}

func (b *SectorBuilder) call(req request) response {
	reply := make(chan response)
	req.reply = reply

	b.sched.reqCh <- req
	return <-reply
}

// GetMaxUserBytesPerStagedSector returns the per-sector capacity the sector
// store enforces.
func (b *SectorBuilder) GetMaxUserBytesPerStagedSector() uint64 {
	return b.call(request{kind: reqMaxUserBytes}).maxBytes
}

// AddPiece validates key uniqueness, packs bytes into a target staged
// sector, persists the resulting snapshot before returning, and triggers an
// implicit seal if the sector is now full.
func (b *SectorBuilder) AddPiece(key string, data []byte) (sectorID uint64, err error) {
	resp := b.call(request{kind: reqAddPiece, pieceKey: key, pieceBytes: data})
	return resp.sectorID, resp.err
}

// GetSealStatus reports whether sectorID is sealed, pending, sealing,
// failed, or unknown.
func (b *SectorBuilder) GetSealStatus(sectorID uint64) SectorSealStatus {
	return b.call(request{kind: reqSealStatus, sectorID: sectorID}).status
}

// RetrievePiece locates the piece's sealed sector and extracts its logical
// bytes via the Fr32 codec's random-access unpad.
func (b *SectorBuilder) RetrievePiece(key string) ([]byte, error) {
	resp := b.call(request{kind: reqRetrievePiece, pieceKey: key})
	return resp.data, resp.err
}

// SealAllStagedSectors enqueues a seal job for every staged sector not
// already sealing, binding ticket as the seal randomness.
func (b *SectorBuilder) SealAllStagedSectors(ticket SealTicket) error {
	return b.call(request{kind: reqSealAll, ticket: ticket}).err
}

// GetSealedSectors returns a snapshot of every sealed sector.
func (b *SectorBuilder) GetSealedSectors() []SealedSectorMetadata {
	return b.call(request{kind: reqGetSealed}).sealedL
}

// GetStagedSectors returns a snapshot of every staged sector.
func (b *SectorBuilder) GetStagedSectors() []StagedSectorMetadata {
	return b.call(request{kind: reqGetStaged}).staged
}

// GeneratePoSt delegates to the injected SealProver; the scheduler
// synchronizes the call like any other request.
func (b *SectorBuilder) GeneratePoSt(commRs [][32]byte, challengeSeed [32]byte) (sectorstore.PoStOutput, error) {
	resp := b.call(request{kind: reqGeneratePoSt, commRs: commRs, challengeSeed: challengeSeed})
	return resp.post, resp.err
}

// Close sends shutdown to the scheduler, one shutdown per sealer worker, and
// waits for every goroutine to exit. Errors during shutdown are logged, not
// propagated.
func (b *SectorBuilder) Close() {
	b.call(request{kind: reqShutdown})
	b.sched.pool.shutdown(b.sched.cfg.NumSealWorkers)
	b.wg.Wait()

	if err := b.meta.Close(); err != nil {
		log.Errorw("closing metadata store", "err", err)
	}
}
