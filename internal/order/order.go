package order

import (
	"errors"
	"fmt"
	"time"
)

// Type 表示订单类型。
type Type string

const (
	TypeMarket    Type = "market"
	TypeLimit     Type = "limit"
	TypeStopLimit Type = "stop_limit"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status 表示订单状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusFilled          Status = "filled"
	StatusPartiallyFilled Status = "partially_filled"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusCancelled, StatusFailed},
	StatusSubmitted:       {StatusFilled, StatusPartiallyFilled, StatusCancelled, StatusFailed},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusFailed},
}

// CanTransition 判断状态迁移是否合法。
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition 表示状态机不允许的迁移。
	ErrInvalidTransition = errors.New("order: 非法状态迁移")
	// ErrInvalidOrder 表示字段不满足约束。
	ErrInvalidOrder = errors.New("order: 订单字段非法")
)

// Order 是提交到交易所（或模拟盘）的订单。
type Order struct {
	ID               int64      `json:"id"`
	ClientID         string     `json:"client_id"`
	Symbol           string     `json:"symbol"`
	Type             Type       `json:"order_type"`
	Side             Side       `json:"side"`
	Size             float64    `json:"size"`
	Price            *float64   `json:"price,omitempty"`
	StopPrice        *float64   `json:"stop_price,omitempty"`
	ReduceOnly       bool       `json:"reduce_only"`
	Status           Status     `json:"status"`
	FilledSize       float64    `json:"filled_size"`
	AverageFillPrice float64    `json:"average_fill_price"`
	ExchangeOrderID  string     `json:"exchange_order_id,omitempty"`
	DecisionID       *int64     `json:"decision_id,omitempty"`
	PositionID       *int64     `json:"position_id,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	FilledAt         *time.Time `json:"filled_at,omitempty"`
}

// Validate 检查字段约束。
func (o Order) Validate() error {
	switch o.Type {
	case TypeMarket, TypeLimit, TypeStopLimit:
	default:
		return fmt.Errorf("%w: order_type=%q", ErrInvalidOrder, o.Type)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: side=%q", ErrInvalidOrder, o.Side)
	}
	if !(o.Size > 0) {
		return fmt.Errorf("%w: size=%v", ErrInvalidOrder, o.Size)
	}
	if (o.Type == TypeLimit || o.Type == TypeStopLimit) && (o.Price == nil || !(*o.Price > 0)) {
		return fmt.Errorf("%w: %s 订单需要 price", ErrInvalidOrder, o.Type)
	}
	if o.Type == TypeStopLimit && (o.StopPrice == nil || !(*o.StopPrice > 0)) {
		return fmt.Errorf("%w: stop_limit 订单需要 stop_price", ErrInvalidOrder)
	}
	return nil
}

func (o *Order) move(to Status) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	return nil
}

// Submit pending → submitted。
func (o *Order) Submit(exchangeID string) error {
	if err := o.move(StatusSubmitted); err != nil {
		return err
	}
	o.ExchangeOrderID = exchangeID
	return nil
}

// ApplyFill 记录累计成交量与均价，全部成交时进入 filled。
func (o *Order) ApplyFill(filled, avgPrice float64, at time.Time) error {
	if filled <= 0 {
		return fmt.Errorf("%w: filled=%v", ErrInvalidOrder, filled)
	}
	if filled > o.Size {
		filled = o.Size
	}
	next := StatusPartiallyFilled
	if filled >= o.Size {
		next = StatusFilled
	}
	if err := o.move(next); err != nil {
		return err
	}
	o.FilledSize = filled
	if avgPrice > 0 {
		o.AverageFillPrice = avgPrice
	}
	if next == StatusFilled {
		ts := at.UTC()
		o.FilledAt = &ts
	}
	return nil
}

// Cancel 进入 cancelled。
func (o *Order) Cancel() error {
	return o.move(StatusCancelled)
}

// Fail 进入 failed 并记录错误。
func (o *Order) Fail(reason string) error {
	if err := o.move(StatusFailed); err != nil {
		return err
	}
	o.Error = reason
	return nil
}
