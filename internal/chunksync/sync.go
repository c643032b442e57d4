package chunksync

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gridmesh/internal/wire"
)

// MaxChunkRetries bounds re-requests of a chunk that failed the
// integrity check before it is abandoned for the pass.
const MaxChunkRetries = 2

// Fetcher requests one chunk from the remote peer and returns its
// response. Implementations sit on top of an authenticated session.
type Fetcher interface {
	FetchChunk(ctx context.Context, req wire.EventChunkGet) (wire.EventChunkPut, error)
}

type SyncerOptions struct {
	// BandwidthCeiling is bytes per sliding window; 0 disables
	// throttling.
	BandwidthCeiling int64
	Logger           *zap.Logger
}

// Syncer replicates missing chunks from peers into the local store.
type Syncer struct {
	store    EventStore
	progress *ProgressTable
	throttle *BandwidthTracker
	log      *zap.Logger
}

func NewSyncer(store EventStore, opts SyncerOptions) *Syncer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{
		store:    store,
		progress: NewProgressTable(),
		throttle: NewBandwidthTracker(opts.BandwidthCeiling),
		log:      log,
	}
}

// Progress exposes the live sync state per peer.
func (s *Syncer) Progress(peerID [32]byte) (Snapshot, bool) {
	return s.progress.Get(peerID)
}

// SyncResult summarizes one completed pass against a peer.
type SyncResult struct {
	Requested int
	Synced    int
	Failed    int
	Bytes     int64
}

// Sync pulls every chunk the peer advertises that the local store
// lacks. Chunks failing verification are re-requested a bounded number
// of times; a chunk that keeps failing is counted failed and skipped,
// never partially stored.
func (s *Syncer) Sync(ctx context.Context, peerID [32]byte, manifest [][32]byte, fetch Fetcher) (SyncResult, error) {
	missing := Missing(s.store.ListChunkHashes(), manifest)
	prog := s.progress.start(peerID, len(missing))
	defer s.progress.finish(peerID)

	res := SyncResult{Requested: len(missing)}
	for _, h := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := s.fetchVerified(ctx, h, fetch)
		if err != nil {
			prog.chunkFailed()
			res.Failed++
			if errors.Is(err, wire.ErrIntegrityMismatch) {
				s.log.Warn("chunk permanently failed for this pass",
					zap.String("hash", hex.EncodeToString(h[:8])))
				continue
			}
			return res, err
		}
		chunk, err := DecodeChunk(h, raw)
		if err != nil {
			prog.chunkFailed()
			res.Failed++
			continue
		}
		if err := s.store.Append(chunk.Events); err != nil {
			prog.chunkFailed()
			res.Failed++
			return res, fmt.Errorf("append rejected: %w", err)
		}
		prog.chunkSynced(int64(len(raw)))
		res.Synced++
		res.Bytes += int64(len(raw))
	}
	return res, nil
}

// fetchVerified requests a chunk and verifies its content address,
// re-requesting on mismatch up to the retry bound. Transfers respect
// the bandwidth ceiling.
func (s *Syncer) fetchVerified(ctx context.Context, h [32]byte, fetch Fetcher) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxChunkRetries; attempt++ {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		put, err := fetch.FetchChunk(ctx, wire.EventChunkGet{Hash: h[:]})
		if err != nil {
			return nil, err
		}
		s.throttle.Record(int64(len(put.Data)))
		if _, err := DecodeChunk(h, put.Data); err != nil {
			lastErr = err
			continue
		}
		return put.Data, nil
	}
	return nil, lastErr
}

// ServeChunk answers a peer's EVENT_CHUNK_GET from the local store.
func (s *Syncer) ServeChunk(req wire.EventChunkGet) (wire.EventChunkPut, error) {
	if len(req.Hash) != 32 {
		return wire.EventChunkPut{}, fmt.Errorf("%w: bad hash length %d", wire.ErrBadEnvelope, len(req.Hash))
	}
	var h [32]byte
	copy(h[:], req.Hash)
	raw, err := s.store.ReadChunk(h)
	if err != nil {
		return wire.EventChunkPut{}, err
	}
	return wire.EventChunkPut{Hash: req.Hash, Data: raw}, nil
}
