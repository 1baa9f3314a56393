package intel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// STIX confidence scores for the feed's coarse labels
const (
	stixConfidenceHigh   = 85
	stixConfidenceMedium = 50
)

// STIXParser parses STIX bundles back into feed indicators
type STIXParser struct {
	ipv4Pattern *regexp.Regexp
	userPattern *regexp.Regexp
}

// NewSTIXParser creates a new STIX parser
func NewSTIXParser() *STIXParser {
	return &STIXParser{
		ipv4Pattern: regexp.MustCompile(`^\[ipv4-addr:value\s*=\s*'((?:[^'\\]|\\.)+)'\]$`),
		userPattern: regexp.MustCompile(`^\[user-account:account_login\s*=\s*'((?:[^'\\]|\\.)+)'\]$`),
	}
}

// STIX string literals escape backslash and single quote with a backslash
var (
	stixEscaper   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	stixUnescapes = regexp.MustCompile(`\\(.)`)
)

func quoteSTIX(v string) string {
	return "'" + stixEscaper.Replace(v) + "'"
}

func unquoteSTIX(v string) string {
	return stixUnescapes.ReplaceAllString(v, "$1")
}

// SimpleSTIXIndicator represents a simplified STIX 2.1 indicator
type SimpleSTIXIndicator struct {
	Type        string    `json:"type"`
	SpecVersion string    `json:"spec_version,omitempty"`
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Name        string    `json:"name,omitempty"`
	Pattern     string    `json:"pattern"`
	PatternType string    `json:"pattern_type,omitempty"`
	ValidFrom   time.Time `json:"valid_from"`
	Confidence  int       `json:"confidence,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Description string    `json:"description,omitempty"`
}

// SimpleSTIXBundle represents a simplified STIX bundle
type SimpleSTIXBundle struct {
	Type    string                `json:"type"`
	ID      string                `json:"id"`
	Objects []SimpleSTIXIndicator `json:"objects"`
}

// ParseBundle parses a STIX bundle and returns indicators in object order.
// Objects with patterns other than IPv4 or account login are skipped.
func (p *STIXParser) ParseBundle(data []byte) ([]Indicator, error) {
	var bundle SimpleSTIXBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("unmarshal bundle: %w", err)
	}

	indicators := make([]Indicator, 0, len(bundle.Objects))
	for _, obj := range bundle.Objects {
		if obj.Type != "indicator" {
			continue
		}
		typ, value, err := p.parseSTIXPattern(obj.Pattern)
		if err != nil {
			continue
		}
		indicators = append(indicators, Indicator{
			Type:        typ,
			Value:       value,
			Confidence:  confidenceFromSTIX(obj.Confidence),
			Description: obj.Description,
		})
	}

	return indicators, nil
}

// parseSTIXPattern extracts the indicator type and value from a comparison pattern
func (p *STIXParser) parseSTIXPattern(pattern string) (IndicatorType, string, error) {
	if matches := p.ipv4Pattern.FindStringSubmatch(pattern); len(matches) > 1 {
		return IndicatorIP, unquoteSTIX(matches[1]), nil
	}
	if matches := p.userPattern.FindStringSubmatch(pattern); len(matches) > 1 {
		return IndicatorUser, unquoteSTIX(matches[1]), nil
	}
	return "", "", fmt.Errorf("unsupported pattern: %s", pattern)
}

// BuildBundle converts the feed's indicators into a STIX bundle. valid_from
// for every object is the feed's last_updated time.
func BuildBundle(feed *Feed) (*SimpleSTIXBundle, error) {
	validFrom, err := feed.LastUpdatedTime()
	if err != nil {
		return nil, fmt.Errorf("feed last_updated: %w", err)
	}

	objects := make([]SimpleSTIXIndicator, 0, len(feed.CTIFeed.Indicators))
	for _, ind := range feed.CTIFeed.Indicators {
		objects = append(objects, toSimpleSTIXIndicator(ind, feed.CTIFeed.FeedID, validFrom))
	}

	return &SimpleSTIXBundle{
		Type:    "bundle",
		ID:      "bundle--" + uuid.NewString(),
		Objects: objects,
	}, nil
}

// CreateBundle creates a serialized STIX bundle from a feed
func CreateBundle(feed *Feed) ([]byte, error) {
	bundle, err := BuildBundle(feed)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(bundle, "", "  ")
}

func toSimpleSTIXIndicator(ind Indicator, feedID string, validFrom time.Time) SimpleSTIXIndicator {
	var pattern string
	switch ind.Type {
	case IndicatorIP:
		pattern = "[ipv4-addr:value = " + quoteSTIX(ind.Value) + "]"
	default:
		pattern = "[user-account:account_login = " + quoteSTIX(ind.Value) + "]"
	}

	return SimpleSTIXIndicator{
		Type:        "indicator",
		SpecVersion: "2.1",
		ID:          "indicator--" + uuid.NewString(),
		Created:     validFrom,
		Modified:    validFrom,
		Name:        fmt.Sprintf("%s %s", ind.Type, ind.Value),
		Pattern:     pattern,
		PatternType: "stix",
		ValidFrom:   validFrom,
		Confidence:  confidenceToSTIX(ind.Confidence),
		Labels:      []string{"malicious-activity", feedID},
		Description: ind.Description,
	}
}

func confidenceToSTIX(c Confidence) int {
	if c == ConfidenceHigh {
		return stixConfidenceHigh
	}
	return stixConfidenceMedium
}

func confidenceFromSTIX(score int) Confidence {
	if score >= stixConfidenceHigh {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}
