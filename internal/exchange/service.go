package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketDataService 为单一品种提供行情快照。
type MarketDataService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

// NewMarketDataService 绑定一个交易所客户端。
func NewMarketDataService(client *Client, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{client: client, logger: logger, now: time.Now}
}

// Asset 返回所服务的资产代码。
func (s *MarketDataService) Asset() string {
	return s.client.Asset()
}

// GetSnapshot 并发拉取K线与盘口，任一失败则整体失败。
func (s *MarketDataService) GetSnapshot(ctx context.Context, req SnapshotRequest) (MarketSnapshot, error) {
	req = req.withDefaults()
	snap := MarketSnapshot{Symbol: s.client.Symbol(), Asset: s.client.Asset()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Candles1H, err = s.client.FetchCandles(gctx, Timeframe1h, int64(req.Limit1H))
		return err
	})
	g.Go(func() (err error) {
		snap.OrderBook, err = s.client.FetchOrderBook(gctx, int64(req.OrderBookDepth))
		return err
	})
	if err := g.Wait(); err != nil {
		return MarketSnapshot{}, fmt.Errorf("exchange: %s 行情快照失败: %w", snap.Symbol, err)
	}
	snap.RetrievedAt = s.now().UTC()

	s.logger.Debug("行情快照",
		zap.String("symbol", snap.Symbol),
		zap.Int("candles", len(snap.Candles1H)),
		zap.Int("bids", len(snap.OrderBook.Bids)),
		zap.Int("asks", len(snap.OrderBook.Asks)),
		zap.Float64("price", snap.LatestPrice()),
	)
	return snap, nil
}
