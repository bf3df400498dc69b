package gateway

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// Rule payloads arrive as untyped JSON from callers; each kind gets a JSON
// Schema that rejects malformed parameters before anything is decoded.

const ruleEnvelopeSchema = `{
  "type": "object",
  "required": ["name", "kind", "action", "params"],
  "properties": {
    "name":     {"type": "string", "minLength": 1},
    "kind":     {"enum": ["spending_limit", "address_whitelist", "address_blacklist",
                          "time_restriction", "amount_threshold", "daily_tx_count", "expression"]},
    "action":   {"enum": ["allow", "deny", "require_approval"]},
    "priority": {"type": "integer"},
    "enabled":  {"type": "boolean"},
    "params":   {"type": "object"}
  }
}`

var ruleParamSchemas = map[contracts.RuleKind]string{
	contracts.KindSpendingLimit: `{
	  "type": "object",
	  "required": ["scope", "amount_wei"],
	  "properties": {
	    "scope":      {"enum": ["per_transaction", "daily", "weekly", "monthly"]},
	    "amount_wei": {"type": "string", "pattern": "^[0-9]+$"}
	  }
	}`,
	contracts.KindAddressWhitelist: addressListSchema,
	contracts.KindAddressBlacklist: addressListSchema,
	contracts.KindTimeRestriction: `{
	  "type": "object",
	  "required": ["start_hour", "end_hour"],
	  "properties": {
	    "start_hour": {"type": "integer", "minimum": 0, "maximum": 23},
	    "end_hour":   {"type": "integer", "minimum": 0, "maximum": 24},
	    "timezone":   {"type": "string"}
	  }
	}`,
	contracts.KindAmountThreshold: `{
	  "type": "object",
	  "required": ["threshold_wei"],
	  "properties": {
	    "threshold_wei": {"type": "string", "pattern": "^[0-9]+$"}
	  }
	}`,
	contracts.KindDailyTxCount: `{
	  "type": "object",
	  "required": ["max_count"],
	  "properties": {
	    "max_count": {"type": "integer", "minimum": 0}
	  }
	}`,
	contracts.KindExpression: `{
	  "type": "object",
	  "required": ["source"],
	  "properties": {
	    "source": {"type": "string", "minLength": 1}
	  }
	}`,
}

const addressListSchema = `{
  "type": "object",
  "required": ["addresses"],
  "properties": {
    "addresses": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
    }
  }
}`

type ruleValidator struct {
	envelope *jsonschema.Schema
	params   map[contracts.RuleKind]*jsonschema.Schema
}

func newRuleValidator() (*ruleValidator, error) {
	envelope, err := jsonschema.CompileString("rule.json", ruleEnvelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("gateway: compile rule schema: %w", err)
	}
	params := make(map[contracts.RuleKind]*jsonschema.Schema, len(ruleParamSchemas))
	for kind, src := range ruleParamSchemas {
		sch, err := jsonschema.CompileString(string(kind)+".json", src)
		if err != nil {
			return nil, fmt.Errorf("gateway: compile %s schema: %w", kind, err)
		}
		params[kind] = sch
	}
	return &ruleValidator{envelope: envelope, params: params}, nil
}

// validate checks the decoded envelope and its kind-specific params.
func (v *ruleValidator) validate(doc map[string]any) error {
	if err := v.envelope.Validate(doc); err != nil {
		return contracts.Errorf(contracts.ErrValidation, "rule payload: %v", err)
	}
	kind := contracts.RuleKind(doc["kind"].(string))
	if err := v.params[kind].Validate(doc["params"]); err != nil {
		return contracts.Errorf(contracts.ErrValidation, "%s params: %v", kind, err)
	}
	return nil
}
