package intel

import "fmt"

// IndicatorType represents the kind of value an indicator carries
type IndicatorType string

const (
	IndicatorIP   IndicatorType = "ip"
	IndicatorUser IndicatorType = "user"
)

// Confidence is the feed's coarse confidence label
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Indicator is one detected signal from an OSSEC alert.
// Field order is the key order of the serialized feed.
type Indicator struct {
	Type        IndicatorType `json:"type"`
	Value       string        `json:"value"`
	Confidence  Confidence    `json:"confidence"`
	Description string        `json:"description"`
}

// ConfidenceFor returns the fixed confidence assigned to an indicator type
func ConfidenceFor(typ IndicatorType) Confidence {
	if typ == IndicatorIP {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

// RuleDescription formats the description shared by all indicators of one rule hit
func RuleDescription(ruleID, message string) string {
	return fmt.Sprintf("Rule %s: %s", ruleID, message)
}
