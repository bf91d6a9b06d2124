package vidrelay

import (
	"encoding/json"
	"strconv"
)

// Item is one catalog entry: a media file to transfer and publish. The
// Title, Description, and Tags fields are opaque to the transfer engine
// and used only when publishing to the destination.
type Item struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	SourceURL   string   `json:"source_url"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// UnmarshalJSON accepts both string and numeric identifiers; catalogs
// produced by hand tend to use bare numbers.
func (it *Item) UnmarshalJSON(data []byte) error {
	type alias Item
	aux := &struct {
		ID json.RawMessage `json:"id"`
		*alias
	}{alias: (*alias)(it)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.ID) == 0 {
		it.ID = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.ID, &s); err == nil {
		it.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.ID, &n); err != nil {
		return err
	}
	it.ID = n.String()
	return nil
}

// idLess orders identifiers numerically when both parse as integers, so
// "7" sorts before "10", and lexicographically otherwise.
func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
