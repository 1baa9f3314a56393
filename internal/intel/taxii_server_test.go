package intel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func newTestTAXII(t *testing.T) (*TAXIIServer, *httptest.Server) {
	t.Helper()
	s := NewTAXIIServer()
	s.RegisterCollection("ossec-feed-001", "OSSEC Threat Feed", "test")

	r := mux.NewRouter()
	s.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestTAXIIServer_FeedNotPublished(t *testing.T) {
	_, ts := newTestTAXII(t)

	resp, err := http.Get(ts.URL + "/feed.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTAXIIServer_PublishAndServe(t *testing.T) {
	s, ts := newTestTAXII(t)

	feed := NewFeed(testMeta(), NewExtractor().ExtractAlerts(sampleAlert), time.Now())
	raw, err := feed.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.PublishFeed(feed, raw); err != nil || !ok {
		t.Fatalf("PublishFeed failed: %v %v", ok, err)
	}

	resp, err := http.Get(ts.URL + "/feed.json")
	if err != nil {
		t.Fatal(err)
	}
	var got Feed
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("ETag") != `"`+Digest(raw)+`"` {
		t.Errorf("unexpected ETag %q", resp.Header.Get("ETag"))
	}
	if len(got.CTIFeed.Indicators) != 2 {
		t.Errorf("expected 2 indicators, got %d", len(got.CTIFeed.Indicators))
	}

	resp, err = http.Get(ts.URL + "/taxii2/collections/ossec-feed-001/objects/")
	if err != nil {
		t.Fatal(err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != taxiiContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	var bundle SimpleSTIXBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	resp.Body.Close()
	if len(bundle.Objects) != 2 {
		t.Errorf("expected 2 objects, got %d", len(bundle.Objects))
	}
}

func TestTAXIIServer_AddedAfter(t *testing.T) {
	s, ts := newTestTAXII(t)
	published := time.Date(2024, 12, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return published }

	feed := NewFeed(testMeta(), NewExtractor().ExtractAlerts(sampleAlert), published)
	raw, _ := feed.Marshal()
	if _, err := s.PublishFeed(feed, raw); err != nil {
		t.Fatal(err)
	}

	check := func(query string, want int) {
		t.Helper()
		resp, err := http.Get(ts.URL + "/taxii2/collections/ossec-feed-001/objects/" + query)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var bundle SimpleSTIXBundle
		if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
			t.Fatal(err)
		}
		if len(bundle.Objects) != want {
			t.Errorf("%s: expected %d objects, got %d", query, want, len(bundle.Objects))
		}
	}
	check("?added_after=2024-12-14T11:00:00Z", 2)
	check("?added_after=2024-12-14T13:00:00Z", 0)
}

func TestTAXIIServer_Errors(t *testing.T) {
	s, ts := newTestTAXII(t)

	resp, err := http.Get(ts.URL + "/taxii2/collections/unknown/objects/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown collection, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/taxii2/collections/ossec-feed-001/objects/?added_after=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad added_after, got %d", resp.StatusCode)
	}

	other := NewFeed(FeedMeta{FeedID: "other"}, nil, time.Now())
	if _, err := s.PublishFeed(other, nil); err == nil {
		t.Error("expected error publishing to unregistered collection")
	}
}

func TestTAXIIServer_RepublishSameFeed(t *testing.T) {
	s, ts := newTestTAXII(t)

	feed := NewFeed(testMeta(), NewExtractor().ExtractAlerts(sampleAlert), time.Now())
	raw, _ := feed.Marshal()
	if ok, err := s.PublishFeed(feed, raw); err != nil || !ok {
		t.Fatalf("first publish: %v %v", ok, err)
	}
	if ok, err := s.PublishFeed(feed, raw); err != nil || ok {
		t.Fatalf("second publish of identical feed should be skipped: %v %v", ok, err)
	}

	resp, err := http.Get(ts.URL + "/taxii2/collections/ossec-feed-001/objects/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var bundle SimpleSTIXBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		t.Fatal(err)
	}
	if len(bundle.Objects) != 2 {
		t.Errorf("expected 2 objects after republish, got %d", len(bundle.Objects))
	}

	updated := NewFeed(testMeta(), NewExtractor().ExtractAlerts(sampleAlert), time.Now().Add(time.Minute))
	raw2, _ := updated.Marshal()
	if ok, err := s.PublishFeed(updated, raw2); err != nil || !ok {
		t.Fatalf("changed feed should publish: %v %v", ok, err)
	}
}

func TestTAXIIServer_ListCollections(t *testing.T) {
	_, ts := newTestTAXII(t)

	resp, err := http.Get(ts.URL + "/taxii2/collections/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Collections) != 1 || body.Collections[0].CanWrite {
		t.Errorf("unexpected collections %+v", body.Collections)
	}
}
