package workflow

import "fmt"

// Item is one filtered record from one tool, carrying its source
// attribution through aggregation and into the citations.
type Item struct {
	Surface string `json:"surface"`
	Tool    string `json:"tool"`
	// RecordID identifies the record within its surface (message id,
	// tx hash, post id). Empty when the surface has no stable id.
	RecordID string      `json:"record_id,omitempty"`
	Data     interface{} `json:"data"`
}

// Citation keys one fact source in the synthesized response. Index is
// the inline marker ([1], [2], ...).
type Citation struct {
	Index   int    `json:"index"`
	Surface string `json:"surface"`
	Tool    string `json:"tool"`
}

// Aggregate is the merged multi-surface result set.
type Aggregate struct {
	Items     []Item     `json:"items"`
	Citations []Citation `json:"citations"`
}

// Marker returns the inline citation marker for a source, or "" when
// the source produced no items.
func (a *Aggregate) Marker(surface, tool string) string {
	for _, c := range a.Citations {
		if c.Surface == surface && c.Tool == tool {
			return fmt.Sprintf("[%d]", c.Index)
		}
	}
	return ""
}

// AggregateItems merges filtered items across surfaces: records with
// the same (surface, record id) are collapsed to the first occurrence,
// and each contributing (surface, tool) source gets one citation entry
// in encounter order.
func AggregateItems(items []Item) *Aggregate {
	agg := &Aggregate{}
	seenRecord := make(map[string]bool)
	seenSource := make(map[string]int)

	for _, item := range items {
		if item.RecordID != "" {
			key := item.Surface + "\x00" + item.RecordID
			if seenRecord[key] {
				continue
			}
			seenRecord[key] = true
		}
		agg.Items = append(agg.Items, item)

		srcKey := item.Surface + "\x00" + item.Tool
		if _, ok := seenSource[srcKey]; !ok {
			idx := len(agg.Citations) + 1
			seenSource[srcKey] = idx
			agg.Citations = append(agg.Citations, Citation{
				Index:   idx,
				Surface: item.Surface,
				Tool:    item.Tool,
			})
		}
	}
	return agg
}

// itemsFromData flattens one tool's filtered data into items. List
// results become one item per record; scalar results become a single
// item. Record ids are read from the conventional "id" field.
func itemsFromData(surface, tool string, data interface{}) []Item {
	switch v := data.(type) {
	case []map[string]interface{}:
		out := make([]Item, 0, len(v))
		for _, rec := range v {
			out = append(out, Item{Surface: surface, Tool: tool, RecordID: recordID(rec), Data: rec})
		}
		return out
	case []interface{}:
		out := make([]Item, 0, len(v))
		for _, rec := range v {
			item := Item{Surface: surface, Tool: tool, Data: rec}
			if m, ok := rec.(map[string]interface{}); ok {
				item.RecordID = recordID(m)
			}
			out = append(out, item)
		}
		return out
	case map[string]interface{}:
		return []Item{{Surface: surface, Tool: tool, RecordID: recordID(v), Data: v}}
	case nil:
		return nil
	default:
		return []Item{{Surface: surface, Tool: tool, Data: v}}
	}
}

func recordID(rec map[string]interface{}) string {
	if id, ok := rec["id"].(string); ok {
		return id
	}
	return ""
}
