package siem

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/model"
)

// cursorPayload is the JSON-encoded form of model.PaginationCursor, plus
// an HMAC so a single flipped byte is detectable rather than silently
// decoding into a different (wrong) cursor.
type cursorPayload struct {
	SortField        string `json:"sf"`
	LastSortValue    string `json:"lv"`
	TiebreakID       string `json:"tb"`
	PageSize         int    `json:"ps"`
	QueryFingerprint string `json:"qf"`
}

// cursorSecret is a fixed, process-local HMAC key. It exists only to
// detect tampering/corruption of an opaque token passed back by a
// caller, not to provide cryptographic secrecy — cursors are not secrets.
var cursorSecret = []byte("dshield-mcp-cursor-integrity")

// EncodeCursor serializes a PaginationCursor into the opaque string handed
// back to callers.
func EncodeCursor(c model.PaginationCursor) string {
	payload := cursorPayload{
		SortField:        c.SortField,
		LastSortValue:    c.LastSortValue,
		TiebreakID:       c.TiebreakID,
		PageSize:         c.PageSize,
		QueryFingerprint: c.QueryFingerprint,
	}
	body, _ := json.Marshal(payload)
	mac := hmac.New(sha256.New, cursorSecret)
	mac.Write(body)
	sig := mac.Sum(nil)

	buf := make([]byte, 0, len(body)+len(sig)+1)
	buf = append(buf, byte(len(sig)))
	buf = append(buf, sig...)
	buf = append(buf, body...)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeCursor reverses EncodeCursor, rejecting tampered tokens, and then
// enforces the query-fingerprint binding invariant: a cursor produced by
// query Q cannot be consumed by a different query Q'.
func DecodeCursor(token string, expectedFingerprint string) (model.PaginationCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < 1 {
		return model.PaginationCursor{}, errs.New(errs.KindCursorMismatch, "cursor is malformed")
	}
	sigLen := int(raw[0])
	if len(raw) < 1+sigLen {
		return model.PaginationCursor{}, errs.New(errs.KindCursorMismatch, "cursor is malformed")
	}
	sig := raw[1 : 1+sigLen]
	body := raw[1+sigLen:]

	mac := hmac.New(sha256.New, cursorSecret)
	mac.Write(body)
	expectedSig := mac.Sum(nil)
	if !hmac.Equal(sig, expectedSig) {
		return model.PaginationCursor{}, errs.New(errs.KindCursorMismatch, "cursor integrity check failed")
	}

	var payload cursorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.PaginationCursor{}, errs.New(errs.KindCursorMismatch, "cursor is malformed")
	}

	c := model.PaginationCursor{
		SortField:        payload.SortField,
		LastSortValue:    payload.LastSortValue,
		TiebreakID:       payload.TiebreakID,
		PageSize:         payload.PageSize,
		QueryFingerprint: payload.QueryFingerprint,
	}
	if c.QueryFingerprint != expectedFingerprint {
		return model.PaginationCursor{}, errs.New(errs.KindCursorMismatch,
			"cursor was produced by a different query").WithData(map[string]any{
			"cursor_fingerprint": c.QueryFingerprint, "query_fingerprint": expectedFingerprint,
		})
	}
	return c, nil
}

// QueryFingerprint hashes the normalized query (everything except
// pagination parameters) so cursors can be bound to the query that
// produced them.
func QueryFingerprint(timeRange model.TimeRange, filters []model.QueryFilter, sortBy, sortOrder string) string {
	sorted := make([]model.QueryFilter, len(filters))
	copy(sorted, filters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })

	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s", timeRange.Start.UnixNano(), timeRange.End.UnixNano(), sortBy, sortOrder)
	for _, f := range sorted {
		fmt.Fprintf(h, "|%s:%s:%v", f.Field, f.Operator, f.Value)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
