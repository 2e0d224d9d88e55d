package siem

import (
	"time"

	"github.com/dshield/mcp-analytics/internal/fieldmap"
	"github.com/dshield/mcp-analytics/internal/model"
)

// ParseSecurityEvent builds the canonical normalized record from a raw hit
// by probing the field mapper for its SecurityEvent fields (Category is
// left unset; Timestamp comes from the top-level @timestamp). Every event
// carries id and timestamp; a hit missing a timestamp is still parsed
// (callers may choose to drop it), since the contract invariant binds the
// resulting type, not this constructor.
func ParseSecurityEvent(mapper *fieldmap.Mapper, hit Hit) model.SecurityEvent {
	ev := model.SecurityEvent{
		ID:  hit.ID,
		Raw: hit.Source,
	}

	if v, ok := mapper.Extract(hit.Source, "source_ip"); ok {
		s := toStr(v)
		ev.SourceIP = &s
	}
	if v, ok := mapper.Extract(hit.Source, "destination_ip"); ok {
		s := toStr(v)
		ev.DestinationIP = &s
	}
	if v, ok := mapper.Extract(hit.Source, "source_port"); ok {
		if i, ok := toInt(v); ok {
			ev.SourcePort = &i
		}
	}
	if v, ok := mapper.Extract(hit.Source, "destination_port"); ok {
		if i, ok := toInt(v); ok {
			ev.DestinationPort = &i
		}
	}
	if v, ok := mapper.Extract(hit.Source, "country"); ok {
		ev.Country = toStr(v)
	}
	if v, ok := mapper.Extract(hit.Source, "asn"); ok {
		ev.ASN = toStr(v)
	}
	if v, ok := mapper.Extract(hit.Source, "organization"); ok {
		ev.Organization = toStr(v)
	}
	if v, ok := mapper.Extract(hit.Source, "protocol"); ok {
		ev.Protocol = toStr(v)
	}
	if v, ok := mapper.Extract(hit.Source, "event_type"); ok {
		ev.EventType = toStr(v)
	}
	if v, ok := mapper.Extract(hit.Source, "severity"); ok {
		sev := model.Severity(toStr(v))
		if sev.Valid() {
			ev.Severity = sev
		}
	}
	if v, ok := mapper.Extract(hit.Source, "reputation_score"); ok {
		if i, ok := toInt(v); ok {
			ev.ReputationScore = &i
		}
	}
	if ts, ok := rawTimestamp(hit.Source); ok {
		ev.Timestamp = ts
	}

	return ev
}

func rawTimestamp(doc map[string]any) (time.Time, bool) {
	raw, ok := doc["@timestamp"]
	if !ok {
		return time.Time{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
