package intel

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// LastUpdatedLayout is the UTC timestamp layout used for last_updated
const LastUpdatedLayout = "2006-01-02T15:04:05Z"

// TokenMeta describes the ledger token that references the feed
type TokenMeta struct {
	Name        string  `json:"name"`
	Symbol      string  `json:"symbol"`
	Issuer      *string `json:"issuer"` // null until the issuer wallet is known
	Description string  `json:"description"`
	Version     string  `json:"version"`
}

// CTIFeed is the indicator payload of the document
type CTIFeed struct {
	FeedID      string      `json:"feed_id"`
	FeedName    string      `json:"feed_name"`
	LastUpdated string      `json:"last_updated"`
	Indicators  []Indicator `json:"indicators"`
}

// Feed is the persisted feed document
type Feed struct {
	Token   TokenMeta `json:"token"`
	CTIFeed CTIFeed   `json:"cti_feed"`
}

// FeedMeta is the static configuration an assembled feed is stamped with
type FeedMeta struct {
	TokenName        string
	TokenSymbol      string
	TokenDescription string
	TokenVersion     string
	FeedID           string
	FeedName         string
}

// NewFeed wraps indicators and static metadata into a feed document
func NewFeed(meta FeedMeta, indicators []Indicator, now time.Time) *Feed {
	if indicators == nil {
		indicators = make([]Indicator, 0)
	}
	return &Feed{
		Token: TokenMeta{
			Name:        meta.TokenName,
			Symbol:      meta.TokenSymbol,
			Description: meta.TokenDescription,
			Version:     meta.TokenVersion,
		},
		CTIFeed: CTIFeed{
			FeedID:      meta.FeedID,
			FeedName:    meta.FeedName,
			LastUpdated: now.UTC().Format(LastUpdatedLayout),
			Indicators:  indicators,
		},
	}
}

// SetIssuer records the issuer's classic address. An empty address clears it.
func (f *Feed) SetIssuer(address string) {
	if address == "" {
		f.Token.Issuer = nil
		return
	}
	f.Token.Issuer = &address
}

// LastUpdatedTime parses last_updated back into a time
func (f *Feed) LastUpdatedTime() (time.Time, error) {
	return time.Parse(LastUpdatedLayout, f.CTIFeed.LastUpdated)
}

// Marshal encodes the feed with 4-space indentation. Rule messages are
// written verbatim, so HTML escaping is off.
func (f *Feed) Marshal() ([]byte, error) {
	if f.CTIFeed.Indicators == nil {
		f.CTIFeed.Indicators = make([]Indicator, 0)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile serializes the feed and overwrites path with it. The written
// bytes are returned so callers can digest or serve exactly what hit disk.
func WriteFile(path string, f *Feed) ([]byte, error) {
	data, err := f.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal feed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write feed %s: %w", path, err)
	}
	return data, nil
}

// LoadFile reads a feed document previously written by WriteFile
func LoadFile(path string) (*Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", path, err)
	}
	var f Feed
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", path, err)
	}
	if f.CTIFeed.Indicators == nil {
		f.CTIFeed.Indicators = make([]Indicator, 0)
	}
	return &f, nil
}

// Digest returns the hex BLAKE3-256 digest of a serialized feed
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CountByType tallies indicators per type
func CountByType(indicators []Indicator) map[IndicatorType]int {
	counts := make(map[IndicatorType]int, 2)
	for _, ind := range indicators {
		counts[ind.Type]++
	}
	return counts
}
