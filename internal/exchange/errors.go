package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// ErrMaintenance 交易所维护中，本轮跳过且不重试。
var ErrMaintenance = errors.New("exchange on maintenance")

// IsRetryable 判断错误是否值得重试。
func IsRetryable(err error) bool {
	_, retry := classifyError(err)
	return retry
}

// classifyError 返回归一化后的错误及是否可重试，维护错误包装为 ErrMaintenance。
func classifyError(err error) (error, bool) {
	switch {
	case err == nil:
		return nil, false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err, false
	}

	if ce := new(ccxt.Error); errors.As(err, &ce) {
		if ce.Type == ccxt.OnMaintenanceErrType {
			msg := strings.TrimSpace(ce.Message)
			if msg == "" {
				msg = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, msg), false
		}
		switch ce.Type {
		case ccxt.NetworkErrorErrType, ccxt.RequestTimeoutErrType, ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType, ccxt.NullResponseErrType:
			return err, true
		}
		return err, false
	}

	var ne net.Error
	return err, errors.As(err, &ne)
}
