package fieldmap

import "encoding/json"

// marshalForProbing re-serializes a decoded document so gjson can probe
// it by dotted path. SIEM documents arrive already decoded into
// map[string]any (the one open map type the data model permits); gjson
// operates on raw JSON bytes, so this round-trip is the bridge between
// the two.
func marshalForProbing(document map[string]any) ([]byte, error) {
	return json.Marshal(document)
}
