package signals

import "time"

// Sentiment 是情绪指标快照；Symbol 为空表示全市场指标。
type Sentiment struct {
	ID             int64     `json:"-"`
	Symbol         string    `json:"symbol,omitempty"`
	FearGreed      int       `json:"fear_greed_index"`
	Classification string    `json:"classification"`
	SocialScore    *float64  `json:"social_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Forecast 是某一预测周期的价格预测。
type Forecast struct {
	ID             int64     `json:"-"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	PredictedPrice float64   `json:"predicted_price"`
	ChangePct      float64   `json:"change_pct"`
	Confidence     *float64  `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewsItem 是一条新闻摘要。
type NewsItem struct {
	ID          int64     `json:"-"`
	Symbol      string    `json:"symbol,omitempty"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Sentiment   string    `json:"sentiment,omitempty"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// WhaleAlert 是一笔大额转账。
type WhaleAlert struct {
	ID        int64     `json:"-"`
	Symbol    string    `json:"symbol"`
	Amount    float64   `json:"amount"`
	AmountUSD float64   `json:"amount_usd"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	TxHash    string    `json:"tx_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
