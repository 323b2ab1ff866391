package decision

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

const (
	minLeverage        = 1
	maxLeverage        = 10
	minNarrativeLength = 10
)

// ValidateTrading 对原始交易对象做结构校验，返回全部字段级问题。
func ValidateTrading(obj map[string]any, symbols []string) error {
	var errs error

	op := Operation(lowerString(obj["operation"]))
	switch op {
	case OperationOpen, OperationClose, OperationHold:
	default:
		errs = multierr.Append(errs, fmt.Errorf("operation must be one of open, close, hold (got %v)", obj["operation"]))
	}

	symbol := coerceSymbol(obj)
	if symbol == "" {
		errs = multierr.Append(errs, errors.New("symbol is required"))
	} else if !containsSymbol(symbols, symbol) {
		errs = multierr.Append(errs, fmt.Errorf("symbol %s is not a configured instrument", symbol))
	}

	if c, ok := toFloat(obj["confidence"]); !ok {
		errs = multierr.Append(errs, errors.New("confidence must be a number in [0,1]"))
	} else if c < 0 || c > 1 {
		errs = multierr.Append(errs, fmt.Errorf("confidence must be in [0,1] (got %g)", c))
	}

	if present(obj, "direction") {
		switch Direction(lowerString(obj["direction"])) {
		case DirectionLong, DirectionShort:
		default:
			errs = multierr.Append(errs, fmt.Errorf("direction must be long or short (got %v)", obj["direction"]))
		}
	}

	if present(obj, "leverage") {
		if lev, ok := toInt(obj["leverage"]); !ok {
			errs = multierr.Append(errs, fmt.Errorf("leverage must be an integer (got %v)", obj["leverage"]))
		} else if lev < minLeverage || lev > maxLeverage {
			errs = multierr.Append(errs, fmt.Errorf("leverage must be in [%d,%d] (got %d)", minLeverage, maxLeverage, lev))
		}
	}

	for _, key := range positionFractionKeys {
		if !present(obj, key) {
			continue
		}
		if f, ok := toFloat(obj[key]); !ok || f < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be a non-negative number (got %v)", key, obj[key]))
		}
	}

	for _, key := range []string{"stop_loss", "take_profit"} {
		if !present(obj, key) {
			continue
		}
		if f, ok := toFloat(obj[key]); !ok || f <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be a positive number (got %v)", key, obj[key]))
		}
	}

	if op == OperationOpen {
		for _, key := range []string{"direction", "stop_loss", "leverage"} {
			if !present(obj, key) {
				errs = multierr.Append(errs, fmt.Errorf("%s is required when operation is open", key))
			}
		}
	}

	return asValidationError(errs)
}

// ValidateMacro 校验宏观策略对象。
func ValidateMacro(obj map[string]any) error {
	var errs error

	narrative, _ := obj["narrative"].(string)
	if n := len([]rune(strings.TrimSpace(narrative))); n < minNarrativeLength {
		errs = multierr.Append(errs, fmt.Errorf("narrative must be at least %d characters (got %d)", minNarrativeLength, n))
	}

	switch Bias(lowerString(obj["bias"])) {
	case BiasBullish, BiasBearish, BiasNeutral:
	default:
		errs = multierr.Append(errs, fmt.Errorf("bias must be one of bullish, bearish, neutral (got %v)", obj["bias"]))
	}

	if rt, ok := toFloat(obj["risk_tolerance"]); !ok {
		errs = multierr.Append(errs, errors.New("risk_tolerance must be a number in [0,1]"))
	} else if rt < 0 || rt > 1 {
		errs = multierr.Append(errs, fmt.Errorf("risk_tolerance must be in [0,1] (got %g)", rt))
	}

	if raw, ok := obj["levels"]; ok && raw != nil {
		if _, isMap := raw.(map[string]any); !isMap {
			errs = multierr.Append(errs, errors.New("levels must be an object keyed by symbol"))
		}
	}

	return asValidationError(errs)
}

func asValidationError(errs error) error {
	if errs == nil {
		return nil
	}
	list := multierr.Errors(errs)
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		msgs = append(msgs, e.Error())
	}
	return &ValidationError{Messages: msgs}
}

func present(obj map[string]any, key string) bool {
	v, ok := obj[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		return trimmed != "" && trimmed != "null" && trimmed != "none"
	}
	return true
}

func containsSymbol(symbols []string, symbol string) bool {
	for _, s := range symbols {
		if strings.EqualFold(strings.TrimSpace(s), symbol) {
			return true
		}
	}
	return false
}
