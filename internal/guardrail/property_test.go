package guardrail

import (
	"math"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRecordMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("record adds the amount and exactly one timestamp", prop.ForAll(
		func(seed []float64, amount float64) bool {
			clock := newFakeClock()
			engine := NewEngine(DefaultConfig(), WithClock(clock.Now))
			for _, a := range seed {
				engine.Record("acct", a)
			}
			before := engine.Window("acct")
			engine.Record("acct", amount)
			after := engine.Window("acct")

			if len(after.RecentTimestamps) != len(before.RecentTimestamps)+1 {
				return false
			}
			return math.Abs(after.DailySpend-(before.DailySpend+amount)) < 1e-9
		},
		gen.SliceOfN(4, gen.Float64Range(0, 1)),
		gen.Float64Range(0.000001, 5),
	))

	properties.Property("validate never mutates the window", prop.ForAll(
		func(recorded int, amount float64) bool {
			engine := NewEngine(DefaultConfig())
			for i := 0; i < recorded; i++ {
				engine.Record("acct", 0.5)
			}
			before := engine.Window("acct")
			engine.Validate("acct", amount, []string{SystemProgram}, "0xdest")
			return reflect.DeepEqual(before, engine.Window("acct"))
		},
		gen.IntRange(0, 10),
		gen.Float64Range(0, 20),
	))

	properties.Property("amounts over the cap stop at max_per_tx", prop.ForAll(
		func(excess float64) bool {
			engine := NewEngine(DefaultConfig())
			d := engine.Validate("acct", DefaultConfig().MaxPerTransaction+excess, nil, "")
			return !d.Allowed && reflect.DeepEqual(d.RulesApplied, []string{RuleMaxPerTransaction})
		},
		gen.Float64Range(0.000001, 1000),
	))

	properties.TestingRun(t)
}
