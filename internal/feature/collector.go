package feature

import (
	"context"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/exchange"
)

// snapshotSource 抽象单一品种的行情来源。
type snapshotSource interface {
	Asset() string
	GetSnapshot(ctx context.Context, req exchange.SnapshotRequest) (exchange.MarketSnapshot, error)
}

// Collector 周期性采集各品种行情并落库。
type Collector struct {
	sources   []snapshotSource
	extractor *Extractor
	repo      *Repository
	retention time.Duration
	logger    *zap.Logger
}

// NewCollector 创建采集器；retention 为 0 时不清理历史快照。
func NewCollector(sources []*exchange.MarketDataService, extractor *Extractor, repo *Repository, retention time.Duration, logger *zap.Logger) *Collector {
	srcs := make([]snapshotSource, 0, len(sources))
	for _, s := range sources {
		srcs = append(srcs, s)
	}
	return newCollector(srcs, extractor, repo, retention, logger)
}

func newCollector(sources []snapshotSource, extractor *Extractor, repo *Repository, retention time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if extractor == nil {
		extractor = NewExtractor(nil, logger)
	}
	return &Collector{
		sources:   sources,
		extractor: extractor,
		repo:      repo,
		retention: retention,
		logger:    logger,
	}
}

// Collect 逐个品种采集；单个品种失败仅记录日志，返回成功写入数量。
func (c *Collector) Collect(ctx context.Context) (int, error) {
	stored := 0
	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			return stored, err
		}

		raw, err := src.GetSnapshot(ctx, exchange.DefaultSnapshotRequest())
		if err != nil {
			c.logger.Warn("拉取市场数据失败", zap.String("symbol", src.Asset()), zap.Error(err))
			continue
		}
		snap, err := c.extractor.Extract(ctx, raw)
		if err != nil {
			c.logger.Warn("特征计算失败", zap.String("symbol", src.Asset()), zap.Error(err))
			continue
		}
		if err := c.repo.Insert(ctx, &snap); err != nil {
			return stored, err
		}
		stored++
	}

	if c.retention > 0 {
		if n, err := c.repo.Prune(ctx, time.Now().Add(-c.retention)); err != nil {
			c.logger.Warn("清理历史行情失败", zap.Error(err))
		} else if n > 0 {
			c.logger.Debug("已清理历史行情", zap.Int64("rows", n))
		}
	}

	return stored, nil
}
