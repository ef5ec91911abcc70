// Package modelcache provides pure parsing and filtering functions over
// upstream model-list JSON. It has no dependency on I/O or the HTTP
// client that performs the refresh; the owning cache (app.ModelCache)
// supplies fetched bytes and holds the refresh-staleness policy.
package modelcache

import "github.com/tidwall/gjson"

// pricesToCheck mirrors the original implementation's PRICES_TO_CHECK
// list exactly: a model is "free" only if every one of these pricing
// fields is literally the string "0".
var pricesToCheck = []string{
	"prompt", "completion", "request", "image", "web_search", "internal_reasoning",
}

// Model is the minimal shape pulled out of an otherwise opaque model
// descriptor: just what the free/paid gate needs. Everything else in the
// upstream JSON is forwarded untouched in the raw response body.
type Model struct {
	ID  string
	Raw []byte
}

// ParseModelList extracts id + raw bytes for each entry in body's `data`
// array. Malformed JSON (no `data` array) yields a nil slice and false.
func ParseModelList(body []byte) ([]Model, bool) {
	result := gjson.GetBytes(body, "data")
	if !result.Exists() || !result.IsArray() {
		return nil, false
	}

	var models []Model
	result.ForEach(func(_, value gjson.Result) bool {
		id := value.Get("id").String()
		models = append(models, Model{ID: id, Raw: []byte(value.Raw)})
		return true
	})
	return models, true
}

// IsFreeID reports whether a model id carries the upstream convention for
// a free model: the literal suffix ":free".
func IsFreeID(id string) bool {
	const suffix = ":free"
	return len(id) >= len(suffix) && id[len(id)-len(suffix):] == suffix
}

// IsFreePricing reports whether a single model's pricing object has every
// field in pricesToCheck literally equal to "0" (a missing field
// defaults to "1", i.e. excluded). This is a string comparison by
// design — see the design notes on preserving the original's exact
// semantics.
func IsFreePricing(raw []byte) bool {
	pricing := gjson.GetBytes(raw, "pricing")
	for _, field := range pricesToCheck {
		v := pricing.Get(field)
		value := "1"
		if v.Exists() {
			value = v.String()
		}
		if value != "0" {
			return false
		}
	}
	return true
}

// FreeIDSet derives the free-id set from a parsed model list, using the
// ":free" suffix convention (the cheap, pre-computed membership test used
// by is_allowed; IsFreePricing is the separate, heavier per-field check
// used only by the models-list post-filter).
func FreeIDSet(models []Model) map[string]struct{} {
	ids := make(map[string]struct{}, len(models))
	for _, m := range models {
		if IsFreeID(m.ID) {
			ids[m.ID] = struct{}{}
		}
	}
	return ids
}

// FilterFree filters a models-list response body down to entries whose
// pricing is all-zero per IsFreePricing. If the filtered result is empty,
// the original body is returned unchanged (per §4.3's "otherwise leave
// the body unchanged" rule). Malformed JSON is passed through untouched.
func FilterFree(body []byte) []byte {
	result := gjson.GetBytes(body, "data")
	if !result.Exists() || !result.IsArray() {
		return body
	}

	var kept []string
	result.ForEach(func(_, value gjson.Result) bool {
		if IsFreePricing([]byte(value.Raw)) {
			kept = append(kept, value.Raw)
		}
		return true
	})

	if len(kept) == 0 {
		return body
	}

	// Splice the filtered array back into the original body in place of
	// the original `data` array, using gjson's byte offset for the
	// matched value rather than round-tripping through a typed struct
	// (per the design note on partial-parse JSON handling).
	if result.Index <= 0 || result.Index+len(result.Raw) > len(body) {
		return body
	}
	filteredData := "[" + joinRaw(kept) + "]"
	out := make([]byte, 0, len(body)-len(result.Raw)+len(filteredData))
	out = append(out, body[:result.Index]...)
	out = append(out, filteredData...)
	out = append(out, body[result.Index+len(result.Raw):]...)
	return out
}

func joinRaw(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
