package intel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"osseccti/feed-minter/internal/httputil"
)

const taxiiContentType = "application/taxii+json;version=2.1"

// TAXIIServer serves published feeds as read-only TAXII 2.1 collections,
// and the most recent feed document as raw JSON.
type TAXIIServer struct {
	mu          sync.RWMutex
	bundles     map[string][]*bundleEntry // collection id -> history
	collections map[string]*Collection
	feedDoc     []byte
	feedDigest  string
	maxBundles  int
	now         func() time.Time
}

// Collection represents a TAXII collection
type Collection struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CanRead     bool   `json:"can_read"`
	CanWrite    bool   `json:"can_write"`
}

type bundleEntry struct {
	bundle  *SimpleSTIXBundle
	created time.Time
}

// NewTAXIIServer creates a new TAXII server
func NewTAXIIServer() *TAXIIServer {
	return &TAXIIServer{
		bundles:     make(map[string][]*bundleEntry),
		collections: make(map[string]*Collection),
		maxBundles:  1000,
		now:         time.Now,
	}
}

// RegisterCollection registers a read-only collection
func (s *TAXIIServer) RegisterCollection(id, title, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collections[id] = &Collection{
		ID:          id,
		Title:       title,
		Description: description,
		CanRead:     true,
		CanWrite:    false,
	}
}

// PublishFeed converts the feed to STIX and appends it to the collection
// named by its feed_id. raw is the serialized document served at /feed.json.
// Republishing the document already being served is a no-op and reports false.
func (s *TAXIIServer) PublishFeed(feed *Feed, raw []byte) (bool, error) {
	bundle, err := BuildBundle(feed)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := feed.CTIFeed.FeedID
	if _, ok := s.collections[id]; !ok {
		return false, fmt.Errorf("collection %q not registered", id)
	}
	digest := Digest(raw)
	if s.feedDoc != nil && digest == s.feedDigest {
		return false, nil
	}

	s.bundles[id] = append(s.bundles[id], &bundleEntry{bundle: bundle, created: s.now()})
	if len(s.bundles[id]) > s.maxBundles {
		s.bundles[id] = s.bundles[id][len(s.bundles[id])-s.maxBundles:]
	}

	s.feedDoc = append([]byte(nil), raw...)
	s.feedDigest = digest
	return true, nil
}

// Routes registers the TAXII and feed endpoints on r
func (s *TAXIIServer) Routes(r *mux.Router) {
	r.HandleFunc("/feed.json", s.HandleFeed).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/collections/", s.HandleCollections).Methods(http.MethodGet)
	r.HandleFunc("/taxii2/collections/{id}/objects/", s.HandleObjects).Methods(http.MethodGet)
}

// HandleFeed handles GET /feed.json
func (s *TAXIIServer) HandleFeed(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	doc, digest := s.feedDoc, s.feedDigest
	s.mu.RUnlock()

	if doc == nil {
		http.Error(w, "no feed published", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("ETag", `"`+digest+`"`)
	w.Write(doc)
}

// HandleCollections handles GET /taxii2/collections/
func (s *TAXIIServer) HandleCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	collections := make([]Collection, 0, len(s.collections))
	for _, c := range s.collections {
		collections = append(collections, *c)
	}
	s.mu.RUnlock()

	sort.Slice(collections, func(i, j int) bool { return collections[i].ID < collections[j].ID })

	writeTAXII(w, struct {
		Collections []Collection `json:"collections"`
	}{Collections: collections})
}

// HandleObjects handles GET /taxii2/collections/{id}/objects/
func (s *TAXIIServer) HandleObjects(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var addedAfter time.Time
	if v := r.URL.Query().Get("added_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.GetLogger(r.Context()).Debug().Err(err).Str("added_after", v).Msg("rejecting objects request")
			http.Error(w, "invalid added_after", http.StatusBadRequest)
			return
		}
		addedAfter = t
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.collections[id]; !ok {
		httputil.GetLogger(r.Context()).Debug().Str("collection", id).Msg("unknown collection")
		http.Error(w, "collection not found", http.StatusNotFound)
		return
	}

	merged := make([]SimpleSTIXIndicator, 0)
	for _, entry := range s.bundles[id] {
		if !addedAfter.IsZero() && !entry.created.After(addedAfter) {
			continue
		}
		merged = append(merged, entry.bundle.Objects...)
	}

	httputil.GetLogger(r.Context()).Debug().
		Str("collection", id).
		Int("objects", len(merged)).
		Msg("serving collection objects")
	writeTAXII(w, &SimpleSTIXBundle{
		Type:    "bundle",
		ID:      "bundle--" + uuid.NewString(),
		Objects: merged,
	})
}

func writeTAXII(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", taxiiContentType)
	json.NewEncoder(w).Encode(v)
}
