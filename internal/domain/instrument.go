package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstrumentID identifies a tradable instrument.
type InstrumentID string

// Instrument is a tradable symbol. Instruments are immutable once created.
type Instrument struct {
	ID          InstrumentID
	Symbol      string
	DisplayName string
	CreatedAt   time.Time
}

var symbolPattern = regexp.MustCompile(`^[A-Z]{1,10}$`)

// NormalizeSymbol upper-cases and trims s and checks it is 1-10 letters.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(sym) {
		return "", &ValidationError{Message: "symbol must be 1-10 uppercase letters"}
	}
	return sym, nil
}

// NewInstrument validates symbol and returns a new instrument.
func NewInstrument(symbol, displayName string, at time.Time) (*Instrument, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = sym
	}
	return &Instrument{
		ID:          InstrumentID(uuid.New().String()),
		Symbol:      sym,
		DisplayName: displayName,
		CreatedAt:   at,
	}, nil
}
