package intel

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects how log text is grouped before pattern matching
type Mode string

const (
	// ModeLine matches each line on its own; rule text must share the line
	// with the IP or user token.
	ModeLine Mode = "line"
	// ModeAlert matches each "** Alert" block as one record, which is how
	// alerts.log lays out the Rule, Src IP and User fields.
	ModeAlert Mode = "alert"
)

// ParseMode validates a grouping mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLine:
		return ModeLine, nil
	case ModeAlert:
		return ModeAlert, nil
	}
	return "", fmt.Errorf("unknown extraction mode %q (expected line or alert)", s)
}

// Extractor pulls IP and user indicators out of OSSEC alert text
type Extractor struct {
	srcIPPattern  *regexp.Regexp
	userPattern   *regexp.Regexp
	rulePattern   *regexp.Regexp
	headerPattern *regexp.Regexp
}

// NewExtractor creates an extractor with the OSSEC field patterns
func NewExtractor() *Extractor {
	return &Extractor{
		srcIPPattern:  regexp.MustCompile(`Src IP: (\d+\.\d+\.\d+\.\d+)`),
		userPattern:   regexp.MustCompile(`User: (\S+)`),
		rulePattern:   regexp.MustCompile(`Rule: (\d+) .* -> '(.*?)'`),
		headerPattern: regexp.MustCompile(`^\*\* Alert `),
	}
}

// ExtractMode dispatches on the grouping mode
func (e *Extractor) ExtractMode(text string, mode Mode) []Indicator {
	if mode == ModeAlert {
		return e.ExtractAlerts(text)
	}
	return e.Extract(text)
}

// Extract scans text line by line. Lines without a rule match, or with a
// rule match but neither an IP nor a user, contribute nothing.
func (e *Extractor) Extract(text string) []Indicator {
	indicators := make([]Indicator, 0)
	for _, line := range splitLines(text) {
		indicators = e.appendRecord(indicators, line)
	}
	return indicators
}

// ExtractAlerts groups lines into alert blocks and matches each block as a
// single record. Text before the first header forms its own block.
func (e *Extractor) ExtractAlerts(text string) []Indicator {
	indicators := make([]Indicator, 0)

	var block []string
	flush := func() {
		if len(block) > 0 {
			indicators = e.appendRecord(indicators, strings.Join(block, "\n"))
			block = block[:0]
		}
	}

	for _, line := range splitLines(text) {
		if e.headerPattern.MatchString(line) {
			flush()
		}
		block = append(block, line)
	}
	flush()

	return indicators
}

// appendRecord applies the three independent matches to one record.
// An IP and a user on the same record both emit, ip first.
func (e *Extractor) appendRecord(dst []Indicator, record string) []Indicator {
	rule := e.rulePattern.FindStringSubmatch(record)
	if rule == nil {
		return dst
	}
	description := RuleDescription(rule[1], rule[2])

	if m := e.srcIPPattern.FindStringSubmatch(record); m != nil {
		dst = append(dst, Indicator{
			Type:        IndicatorIP,
			Value:       m[1],
			Confidence:  ConfidenceFor(IndicatorIP),
			Description: description,
		})
	}

	if m := e.userPattern.FindStringSubmatch(record); m != nil {
		dst = append(dst, Indicator{
			Type:        IndicatorUser,
			Value:       m[1],
			Confidence:  ConfidenceFor(IndicatorUser),
			Description: description,
		})
	}

	return dst
}

func splitLines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
