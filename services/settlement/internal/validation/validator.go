package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxScale = 8

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "invalid request"
	}
	msgs := make([]string, 0, len(v))
	for _, fe := range v {
		msgs = append(msgs, fe.Message)
	}
	return strings.Join(msgs, "; ")
}

type Trade struct {
	UserID uuid.UUID
	Symbol string
	Price  decimal.Decimal
	Volume int64
}

var (
	symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,19}$`)
	maxVolume     = decimal.NewFromInt(math.MaxInt64)
	// maxAmount bounds values stored as NUMERIC(20,8).
	maxAmount     = decimal.New(1, 20-maxScale)
)

// ValidateTradeRequest checks a raw buy/sell payload and returns the parsed
// values when every field is valid.
func ValidateTradeRequest(userID, symbol, price, volume string) (Trade, ValidationErrors) {
	var errs ValidationErrors
	var out Trade

	id, err := ParseUserID(userID)
	if err != nil {
		errs = append(errs, FieldError{Field: "userId", Message: err.Error()})
	}
	out.UserID = id

	out.Symbol = NormalizeSymbol(symbol)
	if err := ValidateSymbol(out.Symbol); err != nil {
		errs = append(errs, FieldError{Field: "symbol", Message: err.Error()})
	}

	if out.Price, err = parsePrice("price", price); err != nil {
		errs = append(errs, FieldError{Field: "price", Message: err.Error()})
	}

	if out.Volume, err = parseVolume(volume); err != nil {
		errs = append(errs, FieldError{Field: "volume", Message: err.Error()})
	}

	if len(errs) > 0 {
		return Trade{}, errs
	}
	return out, nil
}

func ValidateBalance(raw string) (decimal.Decimal, ValidationErrors) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, ValidationErrors{{Field: "balance", Message: "balance is required"}}
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ValidationErrors{{Field: "balance", Message: "balance must be a decimal"}}
	}
	if val.IsNegative() {
		return decimal.Zero, ValidationErrors{{Field: "balance", Message: "balance must be non-negative"}}
	}
	if !val.Equal(val.Round(maxScale)) {
		return decimal.Zero, ValidationErrors{{Field: "balance", Message: fmt.Sprintf("balance supports at most %d decimal places", maxScale)}}
	}
	if val.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, ValidationErrors{{Field: "balance", Message: "balance must be below " + maxAmount.String()}}
	}
	return val, nil
}

func ParseUserID(raw string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return uuid.Nil, fmt.Errorf("userId is required")
	}
	id, err := uuid.Parse(trimmed)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("userId must be a UUID")
	}
	return id, nil
}

func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("symbol must be 1-20 letters, digits, '.' or '-'")
	}
	return nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func parsePrice(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	if !val.Equal(val.Round(maxScale)) {
		return decimal.Zero, fmt.Errorf("%s supports at most %d decimal places", field, maxScale)
	}
	if val.GreaterThanOrEqual(maxAmount) {
		return decimal.Zero, fmt.Errorf("%s must be below %s", field, maxAmount.String())
	}
	return val, nil
}

func parseVolume(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("volume is required")
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("volume must be a number")
	}
	if !val.IsInteger() {
		return 0, fmt.Errorf("volume must be a whole number")
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("volume must be positive")
	}
	if val.GreaterThan(maxVolume) {
		return 0, fmt.Errorf("volume is too large")
	}
	return val.IntPart(), nil
}
