package vidrelay

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Catalog holds the list of transferable items loaded from a durable JSON
// document. It is read once at startup and never mutated by the engine.
type Catalog struct {
	Items []Item
}

// LoadCatalog reads and parses the catalog file. Embedded control bytes
// (other than TAB, LF, CR) are stripped before parsing; hand-assembled
// catalogs routinely contain them.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading catalog %s", path)
	}

	var doc struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(stripControlBytes(raw), &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing catalog %s", path)
	}

	log.WithField("items", len(doc.Items)).Info("Loaded catalog")
	return &Catalog{Items: doc.Items}, nil
}

// ByID returns the item with the given identifier, or nil.
func (c *Catalog) ByID(id string) *Item {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i]
		}
	}
	return nil
}

// Eligible returns the items not yet recorded in the ledger, sorted by
// identifier.
func (c *Catalog) Eligible(ledger *Ledger) []Item {
	var out []Item
	for _, it := range c.Items {
		if !ledger.Contains(it.ID) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// stripControlBytes removes control characters that break JSON parsing
// while keeping TAB, LF, and CR.
func stripControlBytes(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' {
			continue
		}
		out = append(out, b)
	}
	return out
}
