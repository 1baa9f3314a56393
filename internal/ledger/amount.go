package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCurrency = errors.New("invalid currency code")
	ErrInvalidAddress  = errors.New("invalid classic address")
	ErrInvalidAmount   = errors.New("amount must be positive")
)

var hexCurrencyRe = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// EncodeCurrency maps a token symbol to its ledger currency code. Three
// character codes are standard and pass through; longer symbols up to 20
// bytes become the 160-bit hex form, right-padded with zeros.
func EncodeCurrency(code string) (string, error) {
	switch {
	case code == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidCurrency)
	case strings.EqualFold(code, "XRP"):
		return "", fmt.Errorf("%w: XRP is the native asset", ErrInvalidCurrency)
	case hexCurrencyRe.MatchString(code):
		if strings.HasPrefix(code, "00") {
			return "", fmt.Errorf("%w: non-standard code must not start with 0x00", ErrInvalidCurrency)
		}
		return strings.ToUpper(code), nil
	case len(code) == 3:
		return code, nil
	case len(code) > 20:
		return "", fmt.Errorf("%w: %q longer than 20 bytes", ErrInvalidCurrency, code)
	}

	buf := make([]byte, 20)
	copy(buf, code)
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// IssuedCurrencyAmount is a token amount held against an issuer
type IssuedCurrencyAmount struct {
	Currency string
	Issuer   string
	Value    decimal.Decimal
}

// NewIssuedCurrencyAmount validates and encodes an issued-currency amount
func NewIssuedCurrencyAmount(symbol, issuer string, value decimal.Decimal) (IssuedCurrencyAmount, error) {
	currency, err := EncodeCurrency(symbol)
	if err != nil {
		return IssuedCurrencyAmount{}, err
	}
	if err := ValidateAddress(issuer); err != nil {
		return IssuedCurrencyAmount{}, err
	}
	if value.Sign() < 0 {
		return IssuedCurrencyAmount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, value)
	}
	return IssuedCurrencyAmount{Currency: currency, Issuer: issuer, Value: value}, nil
}

// MarshalJSON writes the wire object; value is a decimal string
func (a IssuedCurrencyAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}{a.Currency, a.Issuer, a.Value.String()})
}

// UnmarshalJSON reads the wire object
func (a *IssuedCurrencyAmount) UnmarshalJSON(data []byte) error {
	var raw struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := decimal.NewFromString(raw.Value)
	if err != nil {
		return fmt.Errorf("amount value %q: %w", raw.Value, err)
	}
	a.Currency, a.Issuer, a.Value = raw.Currency, raw.Issuer, v
	return nil
}

// StrToHex returns the uppercase hex encoding of s's UTF-8 bytes
func StrToHex(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}
