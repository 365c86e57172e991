package provider

import (
	"fmt"
	"strings"
	"unicode"
)

// Canonical tickers are an upper-case symbol plus a separate exchange hint
// ("US", "JP", "HK", "SS", "SZ", "DE", "L", ...). Each provider wants its own
// spelling; the mapping is pure and mapping errors surface as not_found.

func yahooSymbol(symbol, exchange string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if strings.Contains(symbol, ".") {
		return symbol, nil
	}

	switch strings.ToUpper(exchange) {
	case "", "US":
		return symbol, nil
	case "JP":
		return symbol + ".T", nil
	case "HK":
		padded, err := padNumeric(symbol, 4)
		if err != nil {
			return "", err
		}
		return padded + ".HK", nil
	case "SS", "SZ":
		padded, err := padNumeric(symbol, 6)
		if err != nil {
			return "", err
		}
		return padded + "." + strings.ToUpper(exchange), nil
	default:
		return symbol + "." + strings.ToUpper(exchange), nil
	}
}

func stooqSymbol(symbol, exchange string) (string, error) {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("empty symbol")
	}
	switch strings.ToUpper(exchange) {
	case "", "US":
		return symbol + ".us", nil
	case "JP":
		return symbol + ".jp", nil
	case "DE":
		return symbol + ".de", nil
	case "UK", "L":
		return symbol + ".uk", nil
	case "HK":
		padded, err := padNumeric(symbol, 4)
		if err != nil {
			return "", err
		}
		return padded + ".hk", nil
	default:
		return "", fmt.Errorf("exchange %q not served by stooq", exchange)
	}
}

func finnhubSymbol(symbol, exchange string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("empty symbol")
	}
	switch strings.ToUpper(exchange) {
	case "", "US":
		return symbol, nil
	default:
		return "", fmt.Errorf("exchange %q not served by finnhub free tier", exchange)
	}
}

func alphaVantageSymbol(symbol, exchange string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", fmt.Errorf("empty symbol")
	}
	switch strings.ToUpper(exchange) {
	case "", "US":
		return symbol, nil
	case "L", "UK":
		return symbol + ".LON", nil
	case "DE":
		return symbol + ".DEX", nil
	case "SS":
		padded, err := padNumeric(symbol, 6)
		if err != nil {
			return "", err
		}
		return padded + ".SHH", nil
	case "SZ":
		padded, err := padNumeric(symbol, 6)
		if err != nil {
			return "", err
		}
		return padded + ".SHZ", nil
	default:
		return "", fmt.Errorf("exchange %q not mapped for alphavantage", exchange)
	}
}

// padNumeric left-pads an all-digit code to width; non-numeric input is
// rejected because padding letters would fabricate a different ticker.
func padNumeric(symbol string, width int) (string, error) {
	for _, r := range symbol {
		if !unicode.IsDigit(r) {
			return "", fmt.Errorf("symbol %q is not a numeric code", symbol)
		}
	}
	if len(symbol) > width {
		return "", fmt.Errorf("symbol %q longer than %d digits", symbol, width)
	}
	return strings.Repeat("0", width-len(symbol)) + symbol, nil
}
