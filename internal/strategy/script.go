package strategy

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/schema"
)

// ScriptStrategy hosts a JavaScript strategy. The script must define a global
// function evaluate(snapshot, candles) returning null or an object with
// direction, entry, stop, take_profit and an optional confidence.
type ScriptStrategy struct {
	id         string
	timeframes []schema.Timeframe

	// Runtimes are not goroutine safe; mu serializes every call into the VM.
	mu   sync.Mutex
	vm   *goja.Runtime
	eval goja.Callable
}

type scriptVerdict struct {
	Direction  string  `json:"direction"`
	Entry      float64 `json:"entry"`
	Stop       float64 `json:"stop"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
}

// NewScriptStrategy compiles the source once and resolves its evaluate
// export. Compile and export errors are surfaced immediately.
func NewScriptStrategy(id, source string, timeframes ...schema.Timeframe) (*ScriptStrategy, error) {
	if id == "" {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage("script strategy id required"))
	}
	program, err := goja.Compile(id, source, true)
	if err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("compile %s: %v", id, err)))
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunProgram(program); err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("load %s: %v", id, err)))
	}
	eval, ok := goja.AssertFunction(vm.Get("evaluate"))
	if !ok {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("script %s does not define evaluate()", id)))
	}

	s := new(ScriptStrategy)
	s.id = id
	s.timeframes = timeframes
	s.vm = vm
	s.eval = eval
	return s, nil
}

func (s *ScriptStrategy) ID() string                    { return s.id }
func (s *ScriptStrategy) Timeframes() []schema.Timeframe { return s.timeframes }

// Evaluate marshals the inputs into plain JS values, invokes the script and
// decodes its verdict. Script exceptions come back as errors and are isolated
// by the layer.
func (s *ScriptStrategy) Evaluate(snapshot schema.IndicatorPayload, candles []schema.Candle) (*schema.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapVal, err := s.plain(snapshot)
	if err != nil {
		return nil, err
	}
	candleVal, err := s.plain(candles)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(goja.Undefined(), snapVal, candleVal)
	if err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("script %s: %v", s.id, err)))
	}
	if result == nil || goja.IsNull(result) || goja.IsUndefined(result) {
		return nil, nil
	}

	var verdict scriptVerdict
	if err := s.vm.ExportTo(result, &verdict); err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("script %s returned an unusable verdict: %v", s.id, err)))
	}

	confidence := decimal.NewFromFloat(verdict.Confidence)
	if confidence.IsZero() {
		confidence = decimal.RequireFromString("0.5")
	}
	return &schema.Signal{
		Direction:  schema.Direction(verdict.Direction),
		EntryPrice: decimal.NewFromFloat(verdict.Entry),
		StopLoss:   decimal.NewFromFloat(verdict.Stop),
		TakeProfit: decimal.NewFromFloat(verdict.TakeProfit),
		Confidence: confidence,
	}, nil
}

// plain round-trips through JSON so scripts see numbers and objects rather
// than wrapped Go types.
func (s *ScriptStrategy) plain(v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage("encode script input: "+err.Error()))
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errs.New("strategy/script", errs.CodeInvalid,
			errs.WithMessage("decode script input: "+err.Error()))
	}
	return s.vm.ToValue(decoded), nil
}
