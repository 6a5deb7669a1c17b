package money

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFormatParseRoundTrip verifies String/Parse are inverse for any
// representable USD amount. A asymmetry here would shift limit boundaries.
func TestFormatParseRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("String then Parse preserves minor units", prop.ForAll(
		func(minor int64) bool {
			a := Amount{Minor: minor, Currency: "USD"}
			back, err := Parse(a.String(), "USD")
			if err != nil {
				return false
			}
			return back.Minor == minor
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
	))

	properties.Property("addition is commutative for same currency", prop.ForAll(
		func(x, y int64) bool {
			a := Amount{Minor: x, Currency: "USD"}
			b := Amount{Minor: y, Currency: "USD"}
			ab, err1 := a.Add(b)
			ba, err2 := b.Add(a)
			return err1 == nil && err2 == nil && ab.Minor == ba.Minor
		},
		gen.Int64Range(-1_000_000, 1_000_000),
		gen.Int64Range(-1_000_000, 1_000_000),
	))

	properties.TestingRun(t)
}
