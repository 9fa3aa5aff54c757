package aggregator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chainpulse/chainpulse/internal/adapters"
	"github.com/chainpulse/chainpulse/internal/domain"
	"github.com/chainpulse/chainpulse/internal/provider"
	"github.com/chainpulse/chainpulse/internal/whale"
)

// subStructs is the number of top-level snapshot sections; each one that
// cannot be assembled subtracts an equal share from data completeness.
const subStructs = 3.0

// Aggregator assembles one MetricsSnapshot per (asset, timeframe) tick:
// block window, mempool state, and whale metrics. Partial upstream
// failures degrade the snapshot instead of failing it; only a missing
// chain tip is fatal.
type Aggregator struct {
	provider *provider.MultiSource
	detector *whale.Detector
	now      func() time.Time
}

// New creates an aggregator over the multi-source provider.
func New(ms *provider.MultiSource, detector *whale.Detector) *Aggregator {
	return &Aggregator{provider: ms, detector: detector, now: time.Now}
}

// Collect produces the snapshot for one (asset, timeframe). The timestamp
// is floored to the timeframe boundary so repeated ticks within the same
// bucket upsert the same row.
func (a *Aggregator) Collect(ctx context.Context, asset domain.Asset, tf domain.Timeframe) (*domain.MetricsSnapshot, error) {
	height, source, err := a.provider.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug().Int64("height", height).Str("source", source).Msg("chain tip resolved")

	snapshot := &domain.MetricsSnapshot{
		Timestamp: tf.Floor(a.now()),
		Asset:     asset,
		Timeframe: tf,
	}

	blocks := a.fetchWindow(ctx, height, tf.WindowBlocks())
	snapshot.Blockchain = summarizeBlocks(height, blocks)

	missing := 0.0
	if !snapshot.Blockchain.Complete {
		missing++
	}

	if mp := a.fetchMempool(ctx); mp != nil {
		snapshot.Mempool = *mp
	}
	// Present-but-partial mempool data counts as missing.
	if !snapshot.Mempool.Complete {
		missing++
	}

	snapshot.Whale = a.detector.Analyze(blocks, nil)
	if !snapshot.Whale.Complete {
		missing++
	}

	snapshot.DataCompleteness = 1.0 - missing/subStructs
	if snapshot.DataCompleteness < 0 {
		snapshot.DataCompleteness = 0
	}
	return snapshot, nil
}

// fetchWindow pulls the last n blocks ending at the tip. Individual block
// failures shrink the window rather than failing the snapshot.
func (a *Aggregator) fetchWindow(ctx context.Context, tip int64, n int) []domain.RawBlock {
	blocks := make([]domain.RawBlock, 0, n)
	for h := tip - int64(n) + 1; h <= tip; h++ {
		if h < 0 {
			continue
		}
		block, source, err := a.provider.Block(ctx, adapters.BlockRef{Height: h})
		if err != nil {
			log.Warn().Int64("height", h).Err(err).Msg("block fetch failed, window shrinks")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Debug().Int64("height", h).Str("source", source).Bool("stub", block.Stub).Msg("block fetched")
		blocks = append(blocks, *block)
	}
	return blocks
}

// fetchMempool returns nil when no source could produce a snapshot. A
// snapshot without fee bands gets them filled from the fee capability
// when any source still answers it.
func (a *Aggregator) fetchMempool(ctx context.Context) *domain.MempoolSnapshot {
	mp, source, err := a.provider.MempoolInfo(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("mempool snapshot unavailable")
		return nil
	}
	log.Debug().Str("source", source).Bool("complete", mp.Complete).Msg("mempool fetched")

	if mp.FeeBands == (domain.FeeBands{}) {
		if fees, feeSource, ferr := a.provider.RecommendedFees(ctx); ferr == nil {
			mp.FeeBands = *fees
			log.Debug().Str("source", feeSource).Msg("fee bands backfilled")
		}
	}
	return mp
}

// summarizeBlocks reduces the fetched window into blockchain metrics.
// Stub blocks count toward sizes but not toward tx averages.
func summarizeBlocks(tip int64, blocks []domain.RawBlock) domain.BlockchainMetrics {
	m := domain.BlockchainMetrics{Height: tip, BlocksAnalyzed: len(blocks)}
	if len(blocks) == 0 {
		return m
	}

	var totalSize int64
	withTx := 0
	for i := range blocks {
		b := &blocks[i]
		totalSize += b.Size
		m.TotalTx += int64(b.TxCount)
		if !b.Stub {
			withTx++
		}
	}
	m.AvgBlockSize = float64(totalSize) / float64(len(blocks))
	m.AvgTxPerBlock = float64(m.TotalTx) / float64(len(blocks))
	m.Complete = true
	return m
}
