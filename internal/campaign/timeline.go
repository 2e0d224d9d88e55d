package campaign

import (
	"sort"
	"time"

	"github.com/dshield/mcp-analytics/internal/model"
)

// TimelineBucket is one bucket of build_timeline's output sequence.
type TimelineBucket struct {
	BucketStart    time.Time `json:"bucket_start"`
	EventCount     int       `json:"event_count"`
	TopEventTypes  []string  `json:"top_event_types"`
	SampleEventIDs []string  `json:"sample_event_ids"`
}

// BuildTimeline returns a lazy (here: eagerly materialized, since a
// finite restartable sequence over already-loaded events needs no
// suspension points), finite, restartable sequence of buckets.
func BuildTimeline(events []model.CampaignEvent, granularity model.TimelineGranularity, sampleSize int) []TimelineBucket {
	if len(events) == 0 {
		return nil
	}
	bucketDur := granularityDuration(granularity)

	byBucket := make(map[time.Time][]model.CampaignEvent)
	for _, e := range events {
		b := e.Timestamp.Truncate(bucketDur)
		byBucket[b] = append(byBucket[b], e)
	}

	keys := make([]time.Time, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	out := make([]TimelineBucket, 0, len(keys))
	for _, k := range keys {
		bucketEvents := byBucket[k]
		out = append(out, TimelineBucket{
			BucketStart:    k,
			EventCount:     len(bucketEvents),
			TopEventTypes:  topEventTypes(bucketEvents, 3),
			SampleEventIDs: sampleIDs(bucketEvents, sampleSize),
		})
	}
	return out
}

func granularityDuration(g model.TimelineGranularity) time.Duration {
	switch g {
	case model.GranularityMinute:
		return time.Minute
	case model.GranularityDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

func topEventTypes(events []model.CampaignEvent, n int) []string {
	counts := make(map[string]int)
	for _, e := range events {
		if e.EventType != "" {
			counts[e.EventType]++
		}
	}
	type kv struct {
		k string
		v int
	}
	list := make([]kv, 0, len(counts))
	for k, v := range counts {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].v != list[j].v {
			return list[i].v > list[j].v
		}
		return list[i].k < list[j].k
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, kv := range list {
		out[i] = kv.k
	}
	return out
}

func sampleIDs(events []model.CampaignEvent, n int) []string {
	if n <= 0 {
		n = 5
	}
	if len(events) < n {
		n = len(events)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = events[i].ID
	}
	return out
}
