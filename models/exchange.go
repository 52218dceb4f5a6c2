package models

import "fmt"

// ExchangeType identifies the venue an instrument trades on.
type ExchangeType string

const (
	Binance ExchangeType = "Binance"
)

// ParseExchangeType maps a stored exchange code back to the enum.
func ParseExchangeType(s string) (ExchangeType, error) {
	switch ExchangeType(s) {
	case Binance:
		return Binance, nil
	default:
		return "", fmt.Errorf("unknown exchange type %q", s)
	}
}

func (e ExchangeType) String() string {
	return string(e)
}
