package sectorbuilder

import (
	"sync"

	"github.com/filecoin-project/go-fil-sectorbuilder/sectorstore"
)

// sealJob is what the scheduler dispatches to the sealer pool.
type sealJob struct {
	sectorID  uint64
	accessIn  string
	accessOut string
	proverID  [31]byte
	pieces    []sectorstore.PieceInfo
	ticket    SealTicket
}

// sealerInput is the shared queue element: either a job to run or a
// shutdown signal for the receiving worker.
type sealerInput struct {
	job      *sealJob
	shutdown bool
}

// sealerPool is a fixed set of goroutines ranging over one shared Go
// channel, buffered to queueDepth. Go channels already serialize concurrent
// receives safely, so unlike the source language's explicit
// mutex-around-a-shared-receiver, a
// plain `for range` on N goroutines already gives exactly-once delivery and
// natural load balancing.
type sealerPool struct {
	queue  chan sealerInput
	prover sectorstore.SealProver
	store  sectorstore.Store
	wg     sync.WaitGroup
}

// queueDepth bounds the sealer pool's shared queue. It stands in for the
// source's logically unbounded MPMC queue: sized generously enough (more
// than any realistic MaxNumStagedSectors) that the scheduler goroutine never
// blocks dispatching a seal job while sealer completions are still draining
// into resultCh.
const queueDepth = 4096

func newSealerPool(n int, store sectorstore.Store, prover sectorstore.SealProver, resultCh chan<- request) *sealerPool {
	p := &sealerPool{
		queue:  make(chan sealerInput, queueDepth),
		prover: prover,
		store:  store,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(resultCh)
	}
	return p
}

func (p *sealerPool) worker(resultCh chan<- request) {
	defer p.wg.Done()

	for in := range p.queue {
		if in.shutdown {
			return
		}
		p.runJob(*in.job, resultCh)
	}
}

func (p *sealerPool) runJob(j sealJob, resultCh chan<- request) {
	out, err := p.store.Seal(p.prover, j.accessIn, j.accessOut, j.proverID, j.pieces, sectorstore.SealTicket{
		BlockHeight: j.ticket.BlockHeight,
		TicketBytes: j.ticket.TicketBytes,
	})

	reply := make(chan response, 1)
	if err != nil {
		resultCh <- request{
			kind:     reqHandleSealResult,
			sectorID: j.sectorID,
			sealErr:  err,
			reply:    reply,
		}
		<-reply
		return
	}

	sealed := &SealedSectorMetadata{
		SectorID:     j.sectorID,
		SectorAccess: j.accessOut,
		Pieces:       piecesFromInfo(j.pieces),
		CommR:        out.CommR,
		CommD:        out.CommD,
		CommRStar:    out.CommRStar,
		Proof:        out.Proof,
		Ticket:       j.ticket,
	}

	resultCh <- request{
		kind:     reqHandleSealResult,
		sectorID: j.sectorID,
		sealed:   sealed,
		reply:    reply,
	}
	<-reply
}

func (p *sealerPool) shutdown(n int) {
	for i := 0; i < n; i++ {
		p.queue <- sealerInput{shutdown: true}
	}
	p.wg.Wait()
}

func piecesFromInfo(infos []sectorstore.PieceInfo) []Piece {
	out := make([]Piece, len(infos))
	for i, pi := range infos {
		out[i] = Piece{Key: pi.Key, NumBytes: pi.NumBytes, CommP: pi.CommP}
	}
	return out
}

func infoFromPieces(pieces []Piece) []sectorstore.PieceInfo {
	out := make([]sectorstore.PieceInfo, len(pieces))
	for i, p := range pieces {
		out[i] = sectorstore.PieceInfo{Key: p.Key, NumBytes: p.NumBytes, CommP: p.CommP}
	}
	return out
}
