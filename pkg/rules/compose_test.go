package rules_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

var genAction = gen.OneConstOf(
	contracts.ActionAllow,
	contracts.ActionRequireApproval,
	contracts.ActionDeny,
)

// Composition of failed-rule actions must behave like a max over the
// restrictiveness order, independent of evaluation order.
func TestMostRestrictiveProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("commutative", prop.ForAll(
		func(a, b contracts.RuleAction) bool {
			return contracts.MostRestrictive(a, b) == contracts.MostRestrictive(b, a)
		},
		genAction, genAction,
	))

	properties.Property("associative", prop.ForAll(
		func(a, b, c contracts.RuleAction) bool {
			left := contracts.MostRestrictive(contracts.MostRestrictive(a, b), c)
			right := contracts.MostRestrictive(a, contracts.MostRestrictive(b, c))
			return left == right
		},
		genAction, genAction, genAction,
	))

	properties.Property("idempotent", prop.ForAll(
		func(a contracts.RuleAction) bool {
			return contracts.MostRestrictive(a, a) == a
		},
		genAction,
	))

	properties.Property("allow is the identity", prop.ForAll(
		func(a contracts.RuleAction) bool {
			return contracts.MostRestrictive(a, contracts.ActionAllow) == a
		},
		genAction,
	))

	properties.Property("deny absorbs", prop.ForAll(
		func(a contracts.RuleAction) bool {
			return contracts.MostRestrictive(a, contracts.ActionDeny) == contracts.ActionDeny
		},
		genAction,
	))

	properties.TestingRun(t)
}
