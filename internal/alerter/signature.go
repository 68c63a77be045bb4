package alerter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/types"
)

// Signature hashes the observation's data after applying the when-changed
// field filter. encoding/json sorts map keys, so equal data hashes equally.
func Signature(obs types.Observation, wc definition.WhenChanged) string {
	var filtered any
	switch data := obs.Data().(type) {
	case []map[string]any:
		rows := make([]map[string]any, 0, len(data))
		for _, r := range data {
			rows = append(rows, filterFields(r, wc))
		}
		filtered = rows
	case map[string]any:
		filtered = filterFields(data, wc)
	default:
		filtered = data
	}
	b, err := json.Marshal(filtered)
	if err != nil {
		// unmarshalable values still need a stable, comparable signature
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func filterFields(m map[string]any, wc definition.WhenChanged) map[string]any {
	out := make(map[string]any, len(m))
	switch {
	case len(wc.Only) > 0:
		for _, k := range wc.Only {
			if v, ok := m[k]; ok {
				out[k] = v
			}
		}
	case len(wc.Except) > 0:
		skip := make(map[string]bool, len(wc.Except))
		for _, k := range wc.Except {
			skip[k] = true
		}
		for k, v := range m {
			if !skip[k] {
				out[k] = v
			}
		}
	default:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
