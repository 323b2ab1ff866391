package decision

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
)

// ParseFailureReason 是三层提取全部失败时的拒绝原因。
const ParseFailureReason = "failed to parse JSON from response."

var (
	fencePattern = regexp.MustCompile("```(?:[a-zA-Z]+)?\\s*([\\s\\S]*?)```")
	// 最多三层嵌套的花括号片段。
	objectPattern = regexp.MustCompile(`\{(?:[^{}]|\{(?:[^{}]|\{[^{}]*\})*\})*\}`)
)

// ValidationError 携带字段级校验信息。
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

// Reason 返回可写入决策记录的拒绝原因。
func (e *ValidationError) Reason() string {
	return e.Error()
}

// Messages 从错误中取出字段级信息，非校验错误返回其文本。
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Messages
	}
	return []string{err.Error()}
}

// ExtractObject 依次尝试整段解析、首个代码块、首个花括号片段，返回第一个成功的 JSON 对象。
func ExtractObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if obj, ok := decodeObject(trimmed); ok {
		return obj, true
	}

	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		if obj, ok := decodeObject(strings.TrimSpace(m[1])); ok {
			return obj, true
		}
	}

	if span := objectPattern.FindString(trimmed); span != "" {
		if obj, ok := decodeObject(span); ok {
			return obj, true
		}
	}

	return nil, false
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}

	obj, ok := v.(map[string]any)
	if !ok || obj == nil {
		return nil, false
	}
	return obj, true
}

// ParseTrading 将外部判断文本解析为交易提案；失败时返回 *ValidationError。
func ParseTrading(text string, symbols []string) (Proposal, error) {
	obj, ok := ExtractObject(text)
	if !ok {
		return Proposal{}, &ValidationError{Messages: []string{ParseFailureReason}}
	}

	if err := ValidateTrading(obj, symbols); err != nil {
		return Proposal{}, err
	}

	return Coerce(obj), nil
}

// ParseMacro 将宏观判断文本解析为宏观提案；失败时返回 *ValidationError。
func ParseMacro(text string) (MacroProposal, error) {
	obj, ok := ExtractObject(text)
	if !ok {
		return MacroProposal{}, &ValidationError{Messages: []string{ParseFailureReason}}
	}

	if err := ValidateMacro(obj); err != nil {
		return MacroProposal{}, err
	}

	return CoerceMacro(obj), nil
}
