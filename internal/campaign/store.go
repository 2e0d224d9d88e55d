package campaign

import (
	"sync"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
)

// Store retains completed Campaign results by campaign_id so the
// expand_campaign_indicators and get_campaign_timeline tools — which
// take a campaign_id rather than re-running analyze_campaign — can look
// one up. Grounded on siem.StreamRegistry's same TTL-bounded
// in-memory-map-of-recent-results idiom, applied to campaigns instead of
// stream cursors.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]storeEntry
}

type storeEntry struct {
	campaign  model.Campaign
	storedAt  time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, entries: make(map[string]storeEntry)}
}

// Put records or refreshes a completed campaign.
func (s *Store) Put(c model.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.CampaignID] = storeEntry{campaign: c, storedAt: time.Now()}
}

// Get returns a previously stored campaign, or false if it was never
// recorded or has aged out past the configured TTL.
func (s *Store) Get(campaignID string) (model.Campaign, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[campaignID]
	if !ok {
		return model.Campaign{}, false
	}
	if s.ttl > 0 && time.Since(e.storedAt) > s.ttl {
		delete(s.entries, campaignID)
		return model.Campaign{}, false
	}
	return e.campaign, true
}
