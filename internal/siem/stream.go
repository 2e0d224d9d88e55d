package siem

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
)

// SessionedEvent is a SecurityEvent annotated with the session it was
// grouped into by stream_events_with_session_context.
type SessionedEvent struct {
	model.SecurityEvent
	SessionKey        string        `json:"session_key"`
	SessionDuration   time.Duration `json:"session_duration"`
	SessionEventCount int           `json:"session_event_count"`
}

// Stream is a lazy, finite, non-restartable pull cursor over query
// results. Each Next call consumes state; there is no way to rewind.
// Pull-based rather than channel-based so cancellation is an explicit
// caller decision at each suspension point, matching the concurrency
// model's discipline of re-validating state on resume.
type Stream struct {
	mu sync.Mutex

	layer  *Layer
	base   QueryEventsRequest
	cfg    StreamConfig
	id     string

	exhausted bool
	nextPage  int
	cursor    *string

	createdAt time.Time
}

type StreamConfig struct {
	ChunkSize int
	TTL       time.Duration
}

// StreamRegistry tracks in-flight streams by stream_id so a caller can
// resume within the configured TTL. Lookup drops an entry past its TTL
// and reports it as missing; the stream tools then answer with
// ErrStreamNotFound.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*Stream)}
}

func (r *StreamRegistry) Register(s *Stream) { r.mu.Lock(); defer r.mu.Unlock(); r.streams[s.id] = s }

func (r *StreamRegistry) Lookup(id string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	if s.cfg.TTL > 0 && time.Since(s.createdAt) > s.cfg.TTL {
		delete(r.streams, id)
		return nil, false
	}
	return s, true
}

// NewStream starts a fresh stream for the given query parameters.
func (l *Layer) NewStream(req QueryEventsRequest, cfg StreamConfig, streamID string) *Stream {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = l.cfg.StreamChunkSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	return &Stream{layer: l, base: req, cfg: cfg, id: streamID, nextPage: 1, createdAt: time.Now()}
}

// Next pulls and returns the next chunk, or an empty chunk with a nil
// cursor once the stream is exhausted.
func (s *Stream) Next(ctx context.Context) ([]model.SecurityEvent, int, *string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		return nil, 0, nil, nil
	}

	req := s.base
	req.PageSize = s.cfg.ChunkSize
	req.Page = nil
	req.Cursor = s.cursor
	if s.cursor == nil {
		p := s.nextPage
		req.Page = &p
	}

	resp, err := s.layer.QueryEvents(ctx, req)
	if err != nil {
		return nil, 0, nil, err
	}

	if !resp.PaginationMeta.HasNext {
		s.exhausted = true
		return resp.Events, resp.PaginationMeta.TotalCount, nil, nil
	}

	s.cursor = resp.PaginationMeta.NextCursor
	s.nextPage++
	return resp.Events, resp.PaginationMeta.TotalCount, resp.PaginationMeta.NextCursor, nil
}

// DefaultSessionFields matches the spec's default session key
// composition: source IP, destination IP, user, session id.
var DefaultSessionFields = []string{"source_ip", "destination_ip", "user", "session_id"}

// SessionStream wraps a Stream, regrouping its chunks so that every
// session (a maximal run of events sharing a session key with no
// internal gap exceeding maxGap) appears entirely within one output
// chunk. The soft cap may be exceeded by up to softCapOverflow fraction
// to avoid splitting a session across chunks.
type SessionStream struct {
	inner         *Stream
	sessionFields []string
	maxGap        time.Duration
	softCap       int
	overflowFrac  float64

	pending []model.SecurityEvent
	drained bool
}

func (l *Layer) NewSessionStream(req QueryEventsRequest, cfg StreamConfig, streamID string, sessionFields []string, maxGap time.Duration) *SessionStream {
	if len(sessionFields) == 0 {
		sessionFields = DefaultSessionFields
	}
	if maxGap <= 0 {
		maxGap = l.cfg.DefaultMaxSessionGap
	}
	softCap := cfg.ChunkSize
	if softCap <= 0 {
		softCap = l.cfg.StreamChunkSize
	}
	overflow := l.cfg.StreamSoftCapOverflow
	if overflow <= 0 {
		overflow = 0.20
	}
	return &SessionStream{
		inner:         l.NewStream(req, cfg, streamID),
		sessionFields: sessionFields,
		maxGap:        maxGap,
		softCap:       softCap,
		overflowFrac:  overflow,
	}
}

// Next returns the next session-respecting chunk.
func (ss *SessionStream) Next(ctx context.Context) ([]SessionedEvent, int, *string, error) {
	hardCap := int(float64(ss.softCap) * (1 + ss.overflowFrac))

	for !ss.drained && len(ss.pending) < hardCap {
		chunk, total, cursor, err := ss.inner.Next(ctx)
		if err != nil {
			return nil, 0, nil, err
		}
		if len(chunk) == 0 && cursor == nil {
			ss.drained = true
			_ = total
			break
		}
		ss.pending = append(ss.pending, chunk...)
		if cursor == nil {
			ss.drained = true
		}
		if len(ss.pending) > ss.softCap {
			break
		}
	}

	if len(ss.pending) == 0 {
		return nil, 0, nil, nil
	}

	keys := make([]string, len(ss.pending))
	for i, e := range ss.pending {
		keys[i] = sessionKey(e, ss.sessionFields)
	}

	cut := findSessionSafeCut(ss.pending, keys, ss.softCap, hardCap, ss.maxGap)

	chunkEvents := ss.pending[:cut]
	ss.pending = ss.pending[cut:]

	sessioned := attachSessionMetadata(chunkEvents, keys[:cut])
	var nextCursor *string
	if !ss.drained || len(ss.pending) > 0 {
		nextCursor = stringPtr("session-stream-continue")
	}
	return sessioned, len(chunkEvents), nextCursor, nil
}

// findSessionSafeCut returns the first session boundary at or after
// softCap and no later than hardCap. A buffer of at most softCap events is
// returned whole; when no boundary falls in [softCap, hardCap], the cut
// lands at hardCap (or at the buffer's end if that is shorter), splitting
// the session that runs across it.
func findSessionSafeCut(events []model.SecurityEvent, keys []string, softCap, hardCap int, maxGap time.Duration) int {
	n := len(events)
	if n <= softCap {
		return n
	}
	for i := softCap; i < n && i <= hardCap; i++ {
		if i == n {
			return n
		}
		gap := events[i].Timestamp.Sub(events[i-1].Timestamp)
		if gap < 0 {
			gap = -gap // descending streams
		}
		if keys[i] != keys[i-1] || gap > maxGap {
			return i
		}
	}
	if hardCap < n {
		return hardCap
	}
	return n
}

func attachSessionMetadata(events []model.SecurityEvent, keys []string) []SessionedEvent {
	// Group contiguous same-key runs (a chunk may legitimately contain
	// more than one full session) and compute duration/count per run.
	out := make([]SessionedEvent, len(events))
	i := 0
	for i < len(events) {
		j := i
		for j < len(events) && keys[j] == keys[i] {
			j++
		}
		dur := events[j-1].Timestamp.Sub(events[i].Timestamp)
		count := j - i
		for k := i; k < j; k++ {
			out[k] = SessionedEvent{
				SecurityEvent:     events[k],
				SessionKey:        keys[k],
				SessionDuration:   dur,
				SessionEventCount: count,
			}
		}
		i = j
	}
	return out
}

func sessionKey(e model.SecurityEvent, fields []string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case "source_ip":
			parts = append(parts, derefOr(e.SourceIP))
		case "destination_ip":
			parts = append(parts, derefOr(e.DestinationIP))
		default:
			if v, ok := e.Raw[f]; ok {
				parts = append(parts, toStr(v))
			} else {
				parts = append(parts, "")
			}
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringPtr(s string) *string { return &s }

// ErrStreamNotFound is returned when a stream_id is unknown or has
// expired past its TTL.
var ErrStreamNotFound = errs.New(errs.KindResourceNotFound, "stream_id not found or expired")

// SessionStreamRegistry tracks in-flight session-grouping streams by
// stream_id, mirroring StreamRegistry's TTL-bounded resumption discipline
// for stream_events_with_session_context.
type SessionStreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*registeredSessionStream
}

type registeredSessionStream struct {
	stream    *SessionStream
	ttl       time.Duration
	createdAt time.Time
}

func NewSessionStreamRegistry() *SessionStreamRegistry {
	return &SessionStreamRegistry{streams: make(map[string]*registeredSessionStream)}
}

func (r *SessionStreamRegistry) Register(id string, s *SessionStream, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[id] = &registeredSessionStream{stream: s, ttl: ttl, createdAt: time.Now()}
}

func (r *SessionStreamRegistry) Lookup(id string) (*SessionStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.streams[id]
	if !ok {
		return nil, false
	}
	if rs.ttl > 0 && time.Since(rs.createdAt) > rs.ttl {
		delete(r.streams, id)
		return nil, false
	}
	return rs.stream, true
}
