package broker

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// OCCSymbol is a decoded OCC/OSI option symbol.
type OCCSymbol struct {
	Underlying string
	Expiration string // YYYY-MM-DD
	OptionType string // "put" or "call"
	Strike     float64
}

// EncodeOCC builds an OCC/OSI option symbol: ROOT + YYMMDD + C/P + 8-digit
// strike in thousandths of a dollar. Expiration is YYYY-MM-DD.
func EncodeOCC(underlying, expiration, optionType string, strike float64) (string, error) {
	if underlying == "" {
		return "", fmt.Errorf("empty underlying symbol")
	}
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("invalid expiration format: %w", err)
	}

	var cp string
	switch strings.ToLower(optionType) {
	case "put", "p":
		cp = "P"
	case "call", "c":
		cp = "C"
	default:
		return "", fmt.Errorf("invalid option type: %q", optionType)
	}

	if strike <= 0 {
		return "", fmt.Errorf("invalid strike: %.3f", strike)
	}
	// Round to the nearest thousandth; eps guards float noise like 394.99999.
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))

	return fmt.Sprintf("%s%s%s%08d", underlying, expDate.Format("060102"), cp, strikeInt), nil
}

// ParseOCC decodes an OCC/OSI option symbol. The root may be 1-6 characters,
// so the fixed-width tail (YYMMDD + C/P + 8 digits = 15 chars) anchors the parse.
func ParseOCC(symbol string) (*OCCSymbol, error) {
	s := strings.TrimSpace(symbol)
	if len(s) < 16 {
		return nil, fmt.Errorf("option symbol too short: %q", symbol)
	}

	tail := s[len(s)-15:]
	root := s[:len(s)-15]
	if root == "" || len(root) > 6 {
		return nil, fmt.Errorf("invalid underlying in option symbol: %q", symbol)
	}
	for _, r := range root {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return nil, fmt.Errorf("invalid underlying in option symbol: %q", symbol)
		}
	}

	expDate, err := time.Parse("060102", tail[:6])
	if err != nil {
		return nil, fmt.Errorf("invalid expiration in option symbol %q: %w", symbol, err)
	}

	var optionType string
	switch tail[6] {
	case 'P':
		optionType = "put"
	case 'C':
		optionType = "call"
	default:
		return nil, fmt.Errorf("invalid option type %q in symbol %q", tail[6], symbol)
	}

	strikeInt, err := strconv.Atoi(tail[7:])
	if err != nil {
		return nil, fmt.Errorf("invalid strike in option symbol %q: %w", symbol, err)
	}

	return &OCCSymbol{
		Underlying: root,
		Expiration: expDate.Format("2006-01-02"),
		OptionType: optionType,
		Strike:     float64(strikeInt) / 1000.0,
	}, nil
}
