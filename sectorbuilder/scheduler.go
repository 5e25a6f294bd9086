package sectorbuilder

import (
	"bytes"
	"fmt"
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fil-sectorbuilder/fr32"
	"github.com/filecoin-project/go-fil-sectorbuilder/metastore"
	"github.com/filecoin-project/go-fil-sectorbuilder/sectorstore"
)

var log = logging.Logger("sectorbuilder")

type reqKind int

const (
	reqMaxUserBytes reqKind = iota
	reqAddPiece
	reqSealStatus
	reqRetrievePiece
	reqSealAll
	reqGetSealed
	reqGetStaged
	reqGeneratePoSt
	reqHandleSealResult
	reqShutdown
)

// request is the single envelope type sent over the scheduler's rendezvous
// channel. Only the fields relevant to kind are populated by the sender.
type request struct {
	kind reqKind

	// AddPiece / RetrievePiece
	pieceKey   string
	pieceBytes []byte

	// GetSealStatus / HandleSealResult
	sectorID uint64

	// HandleSealResult
	sealed  *SealedSectorMetadata
	sealErr error

	// SealAllStagedSectors
	ticket SealTicket

	// GeneratePoSt
	commRs        [][32]byte
	challengeSeed [32]byte

	reply chan response
}

// response is the single envelope type the scheduler sends back.
type response struct {
	err error

	maxBytes uint64
	sectorID uint64
	status   SectorSealStatus
	data     []byte
	staged   []StagedSectorMetadata
	sealedL  []SealedSectorMetadata
	post     sectorstore.PoStOutput
}

// scheduler owns every byte of mutable sector metadata. It is the only
// goroutine that ever reads or writes snapshot, which is why choosePackingTarget
// and every mutation below need no locking of their own.
type scheduler struct {
	cfg      Config
	store    sectorstore.Store
	meta     metastore.Store
	proverID [31]byte

	reqCh    chan request
	resultCh chan request // sealer completions loop back in here
	pool     *sealerPool

	snapshot *PersistentSnapshot
	order    []uint64 // staged sector ids, kept ascending

	inFlightSeals int // dispatched but not yet reconciled via handleSealResult

	fatal FatalFunc
}

// FatalFunc is invoked when the scheduler hits an unrecoverable condition.
// Tests override the default (log.Fatal) to observe the failure instead of
// terminating the process.
type FatalFunc func(args ...interface{})

func newScheduler(cfg Config, store sectorstore.Store, meta metastore.Store, prover sectorstore.SealProver, proverID [31]byte, snapshot *PersistentSnapshot, fatal FatalFunc) *scheduler {
	s := &scheduler{
		cfg:      cfg,
		store:    store,
		meta:     meta,
		proverID: proverID,
		reqCh:    make(chan request),
		resultCh: make(chan request, cfg.NumSealWorkers+1),
		snapshot: snapshot,
		fatal:    fatal,
	}
	s.order = stagedOrder(snapshot.Staged)
	s.pool = newSealerPool(cfg.NumSealWorkers, store, prover, s.resultCh)
	return s
}

func stagedOrder(staged map[uint64]*StagedSectorMetadata) []uint64 {
	order := make([]uint64, 0, len(staged))
	for id := range staged {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return order
}

// run is the scheduler's single goroutine. It fans in both the façade's
// request channel and the sealer pool's completion channel, so every
// mutation still happens from exactly one goroutine.
func (s *scheduler) run() {
	var shutdownReply chan response

	for {
		if shutdownReply != nil && s.inFlightSeals == 0 {
			shutdownReply <- response{}
			return
		}

		var req request
		if shutdownReply != nil {
			// Already draining: stop accepting new façade requests and only
			// reconcile the seals still in flight, so no worker is left
			// blocked sending to a resultCh nobody reads.
			req = <-s.resultCh
		} else {
			select {
			case req = <-s.reqCh:
			case req = <-s.resultCh:
			}
		}

		if req.kind == reqShutdown {
			shutdownReply = req.reply
			continue
		}

		s.handle(req)
	}
}

func (s *scheduler) handle(req request) {
	switch req.kind {
	case reqMaxUserBytes:
		req.reply <- response{maxBytes: s.store.MaxUnsealedBytesPerSector()}

	case reqAddPiece:
		s.handleAddPiece(req)

	case reqSealStatus:
		s.handleSealStatus(req)

	case reqRetrievePiece:
		s.handleRetrievePiece(req)

	case reqSealAll:
		s.handleSealAll(req)

	case reqGetSealed:
		out := make([]SealedSectorMetadata, 0, len(s.snapshot.Sealed))
		for _, sec := range s.snapshot.Sealed {
			out = append(out, *sec)
		}
		req.reply <- response{sealedL: out}

	case reqGetStaged:
		out := make([]StagedSectorMetadata, 0, len(s.snapshot.Staged))
		for _, sec := range s.snapshot.Staged {
			out = append(out, *sec)
		}
		req.reply <- response{staged: out}

	case reqGeneratePoSt:
		s.handleGeneratePoSt(req)

	case reqHandleSealResult:
		s.handleSealResult(req)

	default:
		s.unrecoverable(req, xerrors.Errorf("unknown request kind %d", req.kind))
	}
}

func (s *scheduler) handleAddPiece(req request) {
	size := uint64(len(req.pieceBytes))
	maxBytes := s.store.MaxUnsealedBytesPerSector()

	if size > maxBytes {
		req.reply <- response{err: newErr(ErrCaller, "piece %q of %d bytes exceeds sector capacity %d", req.pieceKey, size, maxBytes)}
		return
	}
	if s.pieceKeyExists(req.pieceKey) {
		req.reply <- response{err: newErr(ErrCaller, "piece key %q already exists", req.pieceKey)}
		return
	}

	sectorID, isNew := choosePackingTarget(s.snapshot.Staged, s.order, size, maxBytes)

	var sec *StagedSectorMetadata
	if isNew {
		if uint8(len(s.snapshot.Staged)) >= s.cfg.MaxNumStagedSectors {
			req.reply <- response{err: newErr(ErrCaller, "maximum of %d staged sectors already open", s.cfg.MaxNumStagedSectors)}
			return
		}

		access, err := s.store.NewStagingSectorAccess()
		if err != nil {
			req.reply <- response{err: newErr(ErrTransient, "allocating staged sector: %w", err)}
			return
		}

		sectorID = s.snapshot.NextSectorID
		s.snapshot.NextSectorID++
		sec = &StagedSectorMetadata{SectorID: sectorID, SectorAccess: access}
		s.snapshot.Staged[sectorID] = sec
		s.order = append(s.order, sectorID)
		log.Infow("opened staged sector", "sector_id", sectorID)
	} else {
		sec = s.snapshot.Staged[sectorID]
	}

	startOffset := sec.UsedBytes()

	written, commP, err := s.store.WriteAndPreprocess(sec.SectorAccess, bytes.NewReader(req.pieceBytes))
	if err != nil {
		req.reply <- response{err: newErr(ErrTransient, "writing piece %q: %w", req.pieceKey, err)}
		return
	}

	sec.Pieces = append(sec.Pieces, Piece{
		Key:         req.pieceKey,
		NumBytes:    written,
		CommP:       commP,
		StartOffset: startOffset,
	})
	log.Infow("piece added", "sector_id", sectorID, "key", req.pieceKey, "bytes", written)

	if err := s.persist(); err != nil {
		s.unrecoverable(req, xerrors.Errorf("persisting snapshot after AddPiece: %w", err))
		return
	}

	if sec.UsedBytes() >= maxBytes {
		// An implicit seal trigger has no caller-supplied randomness to bind;
		// callers that need ticket-bound sealing finish packing and drive
		// sealing explicitly via SealAllStagedSectors instead.
		s.dispatchSeal(sec, SealTicket{})
	}

	req.reply <- response{sectorID: sectorID}
}

func (s *scheduler) handleSealStatus(req request) {
	if _, ok := s.snapshot.Sealed[req.sectorID]; ok {
		req.reply <- response{status: StatusSealed}
		return
	}
	if sec, ok := s.snapshot.Staged[req.sectorID]; ok {
		var st SectorSealStatus
		switch sec.SealStatus {
		case SealStatusPending:
			st = StatusPending
		case SealStatusSealing:
			st = StatusSealing
		case SealStatusFailed:
			st = StatusFailed
		}
		req.reply <- response{status: st}
		return
	}
	req.reply <- response{status: StatusNotFound}
}

func (s *scheduler) handleRetrievePiece(req request) {
	for _, sec := range s.snapshot.Sealed {
		for _, p := range sec.Pieces {
			if p.Key != req.pieceKey {
				continue
			}

			padded, err := s.store.ReadRaw(sec.SectorAccess, 0, paddedSizeFor(p.StartOffset+p.NumBytes))
			if err != nil {
				req.reply <- response{err: newErr(ErrTransient, "reading sealed sector %d: %w", sec.SectorID, err)}
				return
			}

			var buf bytes.Buffer
			if _, err := fr32.WriteUnpadded(padded, &buf, p.StartOffset, p.NumBytes); err != nil {
				req.reply <- response{err: newErr(ErrTransient, "unpadding piece %q: %w", req.pieceKey, err)}
				return
			}

			req.reply <- response{data: buf.Bytes()}
			return
		}
	}
	req.reply <- response{err: newErr(ErrCaller, "unknown piece key %q", req.pieceKey)}
}

func (s *scheduler) handleSealAll(req request) {
	for _, id := range s.order {
		sec, ok := s.snapshot.Staged[id]
		if !ok || sec.SealStatus != SealStatusPending {
			continue
		}
		s.dispatchSeal(sec, req.ticket)
	}
	req.reply <- response{}
}

func (s *scheduler) handleGeneratePoSt(req request) {
	out, err := s.pool.prover.GeneratePoSt(req.commRs, req.challengeSeed)
	if err != nil {
		req.reply <- response{err: newErr(ErrTransient, "generating PoSt: %w", err)}
		return
	}
	req.reply <- response{post: out}
}

func (s *scheduler) handleSealResult(req request) {
	sec, ok := s.snapshot.Staged[req.sectorID]
	if !ok {
		s.unrecoverable(req, xerrors.Errorf("seal result for unknown staged sector %d", req.sectorID))
		return
	}

	s.inFlightSeals--

	if req.sealErr != nil {
		sec.SealStatus = SealStatusFailed
		sec.FailureMsg = req.sealErr.Error()
		log.Errorw("seal failed", "sector_id", req.sectorID, "err", req.sealErr)
	} else {
		delete(s.snapshot.Staged, req.sectorID)
		s.order = removeID(s.order, req.sectorID)
		s.snapshot.Sealed[req.sectorID] = req.sealed
		log.Infow("seal reconciled", "sector_id", req.sectorID)
	}

	if err := s.persist(); err != nil {
		s.unrecoverable(req, xerrors.Errorf("persisting snapshot after HandleSealResult: %w", err))
		return
	}

	req.reply <- response{}
}

func (s *scheduler) dispatchSeal(sec *StagedSectorMetadata, ticket SealTicket) {
	sec.SealStatus = SealStatusSealing
	accessOut := fmt.Sprintf("%s.sealed", sec.SectorAccess)
	s.inFlightSeals++

	s.pool.queue <- sealerInput{job: &sealJob{
		sectorID:  sec.SectorID,
		accessIn:  sec.SectorAccess,
		accessOut: accessOut,
		proverID:  s.proverID,
		pieces:    infoFromPieces(sec.Pieces),
		ticket:    ticket,
	}}
	log.Infow("seal dispatched", "sector_id", sec.SectorID)
}

func (s *scheduler) pieceKeyExists(key string) bool {
	for _, sec := range s.snapshot.Staged {
		for _, p := range sec.Pieces {
			if p.Key == key {
				return true
			}
		}
	}
	for _, sec := range s.snapshot.Sealed {
		for _, p := range sec.Pieces {
			if p.Key == key {
				return true
			}
		}
	}
	return false
}

func (s *scheduler) persist() error {
	blob, err := encodeSnapshot(s.snapshot)
	if err != nil {
		return xerrors.Errorf("encoding snapshot: %w", err)
	}
	return s.meta.Put(s.proverID[:], blob)
}

func (s *scheduler) unrecoverable(req request, err error) {
	log.Errorw("unrecoverable scheduler error", "err", err)
	if req.reply != nil {
		req.reply <- response{err: newErr(ErrUnrecoverable, "%w", err)}
	}
	s.fatal(err)
}

func removeID(order []uint64, id uint64) []uint64 {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func paddedSizeFor(logicalBytes uint64) uint64 {
	// the whole 32-byte padded words that hold logicalBytes of unpadded
	// content, plus one spare word, in bytes.
	words := (logicalBytes*8 + 253) / 254
	return (words + 1) * 32
}
