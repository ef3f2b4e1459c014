/*
lines.go - Versioned, tagged encoding of snapshot lines

PURPOSE:
  items_snapshot and discounts_snapshot are persisted embedded in the
  snapshot row so confirmed pricing never drifts from the catalog. This
  file owns their wire format.

FORMAT (schema 1):
  {"schema_version":1,"lines":[
     {"kind":"item","item":{"product_code":"T-01",...}},
     {"kind":"discount","discount":{"name":"FS","amount":-1500,"type":"fs"}}
  ]}

  Every line names its variant. Exactly one of item/discount is set.

LEGACY (schema 0):
  Historical rows are bare JSON arrays of untyped objects. Objects with a
  product_code or price are items, everything else is a discount with a
  legacy type tag (e.g. "mile_discount"). Schema 0 is read-only: every
  write produces the current schema.

SEE ALSO:
  - snapshot.go: Snapshot owns the decoded lines
  - store/sqlite, store/postgres: Persist the encoded documents
*/
package billing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the version written by EncodeItems and EncodeDiscounts.
const SchemaVersion = 1

const legacySchemaVersion = 0

type LineKind string

const (
	LineItem     LineKind = "item"
	LineDiscount LineKind = "discount"
)

// Line is the tagged variant stored in a snapshot document.
type Line struct {
	Kind     LineKind      `json:"kind"`
	Item     *ItemLine     `json:"item,omitempty"`
	Discount *DiscountLine `json:"discount,omitempty"`
}

func (l Line) validate() error {
	switch l.Kind {
	case LineItem:
		if l.Item == nil || l.Discount != nil {
			return fmt.Errorf("item line must carry exactly an item")
		}
	case LineDiscount:
		if l.Discount == nil || l.Item != nil {
			return fmt.Errorf("discount line must carry exactly a discount")
		}
	default:
		return fmt.Errorf("unknown line kind %q", l.Kind)
	}
	return nil
}

type lineDocument struct {
	SchemaVersion int    `json:"schema_version"`
	Lines         []Line `json:"lines"`
}

// EncodeItems returns the items_snapshot document.
func EncodeItems(items []ItemLine) ([]byte, error) {
	lines := make([]Line, 0, len(items))
	for i := range items {
		item := items[i]
		lines = append(lines, Line{Kind: LineItem, Item: &item})
	}
	return json.Marshal(lineDocument{SchemaVersion: SchemaVersion, Lines: lines})
}

// EncodeDiscounts returns the discounts_snapshot document.
func EncodeDiscounts(discounts []DiscountLine) ([]byte, error) {
	lines := make([]Line, 0, len(discounts))
	for i := range discounts {
		d := discounts[i]
		lines = append(lines, Line{Kind: LineDiscount, Discount: &d})
	}
	return json.Marshal(lineDocument{SchemaVersion: SchemaVersion, Lines: lines})
}

// DecodeLines parses a document in any supported schema and returns its
// items and discounts in stored order, plus the schema it was written in.
func DecodeLines(data []byte) ([]ItemLine, []DiscountLine, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil, SchemaVersion, nil
	}
	if trimmed[0] == '[' {
		items, discounts, err := decodeLegacy(trimmed)
		return items, discounts, legacySchemaVersion, err
	}

	var doc lineDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, nil, 0, fmt.Errorf("decode snapshot lines: %w", err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, nil, doc.SchemaVersion, fmt.Errorf("%w: %d", ErrUnsupportedSchema, doc.SchemaVersion)
	}

	var items []ItemLine
	var discounts []DiscountLine
	for i, l := range doc.Lines {
		if err := l.validate(); err != nil {
			return nil, nil, doc.SchemaVersion, fmt.Errorf("line %d: %w", i, err)
		}
		if l.Kind == LineItem {
			items = append(items, *l.Item)
		} else {
			discounts = append(discounts, *l.Discount)
		}
	}
	return items, discounts, doc.SchemaVersion, nil
}

// legacyLine is the union of fields seen in schema-0 rows.
type legacyLine struct {
	Name        string       `json:"name"`
	ProductCode string       `json:"product_code"`
	ItemType    string       `json:"item_type"`
	Price       *json.Number `json:"price"`
	Quantity    *int         `json:"quantity"`
	Amount      json.Number  `json:"amount"`
	Type        string       `json:"type"`
}

func decodeLegacy(data []byte) ([]ItemLine, []DiscountLine, error) {
	var raw []legacyLine
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("decode legacy snapshot lines: %w", err)
	}

	var items []ItemLine
	var discounts []DiscountLine
	for i, l := range raw {
		if l.ProductCode != "" || l.Price != nil {
			item, err := l.toItem()
			if err != nil {
				return nil, nil, fmt.Errorf("legacy line %d: %w", i, err)
			}
			items = append(items, item)
			continue
		}
		d, err := l.toDiscount()
		if err != nil {
			return nil, nil, fmt.Errorf("legacy line %d: %w", i, err)
		}
		discounts = append(discounts, d)
	}
	return items, discounts, nil
}

func (l legacyLine) toItem() (ItemLine, error) {
	qty := 1
	if l.Quantity != nil {
		qty = *l.Quantity
	}
	var price Yen
	if l.Price != nil {
		p, err := wholeYen(*l.Price)
		if err != nil {
			return ItemLine{}, err
		}
		price = p
	}
	itemType := ItemOther
	if t, err := ParseItemType(l.ItemType); err == nil {
		itemType = t
	}
	return ItemLine{
		ProductCode: l.ProductCode,
		Name:        l.Name,
		Type:        itemType,
		Quantity:    qty,
		UnitPrice:   price,
		Amount:      price * Yen(qty),
	}, nil
}

func (l legacyLine) toDiscount() (DiscountLine, error) {
	kind, err := ParseKind(l.Type)
	if err != nil {
		return DiscountLine{}, err
	}
	amount, err := wholeYen(l.Amount)
	if err != nil {
		return DiscountLine{}, err
	}
	return DiscountLine{Name: l.Name, Amount: amount, Kind: kind}, nil
}

// wholeYen accepts "1500", "1500.00" and 1500.0 but not "1499.85".
func wholeYen(n json.Number) (Yen, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, fmt.Errorf("amount %q is not a number", n.String())
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("amount %q is not whole yen", n.String())
	}
	return Yen(d.IntPart()), nil
}
