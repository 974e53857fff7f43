// Package schema defines the canonical data model shared by every pipeline stage.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/riptide-engine/riptide/errs"
)

// SymbolID is an exchange ticker, e.g. "BTCUSDT".
type SymbolID string

// Timeframe enumerates the supported candle intervals.
type Timeframe string

const (
	// TimeframeM1 is the one-minute interval.
	TimeframeM1 Timeframe = "M1"
	// TimeframeM5 is the five-minute interval.
	TimeframeM5 Timeframe = "M5"
	// TimeframeM15 is the fifteen-minute interval.
	TimeframeM15 Timeframe = "M15"
	// TimeframeH1 is the one-hour interval.
	TimeframeH1 Timeframe = "H1"
	// TimeframeH4 is the four-hour interval.
	TimeframeH4 Timeframe = "H4"
	// TimeframeD1 is the daily interval.
	TimeframeD1 Timeframe = "D1"
)

// Timeframes lists every supported timeframe in ascending duration order.
func Timeframes() []Timeframe {
	return []Timeframe{TimeframeM1, TimeframeM5, TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1}
}

// Duration returns the wall-clock span covered by one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM1:
		return time.Minute
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Validate rejects unknown timeframe tokens.
func (tf Timeframe) Validate() error {
	if tf.Duration() == 0 {
		return errs.New("schema/timeframe", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown timeframe token %q", string(tf))))
	}
	return nil
}

// timeframeAliases maps venue-style interval tokens onto the enum.
var timeframeAliases = map[string]Timeframe{
	"1M":  TimeframeM1,
	"5M":  TimeframeM5,
	"15M": TimeframeM15,
	"1H":  TimeframeH1,
	"4H":  TimeframeH4,
	"1D":  TimeframeD1,
}

// ParseTimeframe converts a token such as "m5" or "H1" into a Timeframe.
// Venue-style spellings ("5m", "4h", "1d") are accepted as aliases.
func ParseTimeframe(token string) (Timeframe, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	if tf, ok := timeframeAliases[normalized]; ok {
		return tf, nil
	}
	tf := Timeframe(normalized)
	if err := tf.Validate(); err != nil {
		return "", err
	}
	return tf, nil
}

// StreamKey identifies the unit of subscription and per-key state.
type StreamKey struct {
	Symbol    SymbolID
	Timeframe Timeframe
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s|%s", k.Symbol, k.Timeframe)
}

// Validate checks both halves of the key.
func (k StreamKey) Validate() error {
	if strings.TrimSpace(string(k.Symbol)) == "" {
		return errs.New("schema/streamkey", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return k.Timeframe.Validate()
}
