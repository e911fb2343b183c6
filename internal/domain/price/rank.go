package price

import (
	"cmp"
	"slices"
)

// Matches reports whether the record is eligible for the query: every
// non-empty context dimension must equal the query's, the quantity must sit
// inside the record's tier bounds and the schedule must contain q.At.
func (q *Query) Matches(r *Record) bool {
	if r.VariantID != q.VariantID || r.Price.Currency != q.Currency {
		return false
	}
	if r.SiteID != "" && r.SiteID != q.SiteID {
		return false
	}
	if r.ChannelID != "" && r.ChannelID != q.ChannelID {
		return false
	}
	if r.CustomerGroupID != "" && !slices.Contains(q.GroupIDs, r.CustomerGroupID) {
		return false
	}
	if r.CatalogID != "" && !slices.Contains(q.Catalogs, r.CatalogID) {
		return false
	}
	if q.Quantity < max(r.MinQuantity, 1) {
		return false
	}
	if r.MaxQuantity != nil && q.Quantity > *r.MaxQuantity {
		return false
	}
	return r.Window.Contains(q.At)
}

// catalogPosition returns the index of the record's catalog in the resolved
// list. Generic records sort after every catalog-scoped one.
func (q *Query) catalogPosition(r *Record) int {
	if r.CatalogID == "" {
		return len(q.Catalogs)
	}
	if i := slices.Index(q.Catalogs, r.CatalogID); i >= 0 {
		return i
	}
	return len(q.Catalogs)
}

// compare orders records best first: specificity desc, priority desc,
// catalog position asc, id desc.
func (q *Query) compare(a, b *Record) int {
	return cmp.Or(
		cmp.Compare(b.Specificity(), a.Specificity()),
		cmp.Compare(b.Priority, a.Priority),
		cmp.Compare(q.catalogPosition(a), q.catalogPosition(b)),
		cmp.Compare(b.ID, a.ID),
	)
}

// Rank filters records down to those matching q and sorts them best first.
// It returns an AmbiguousTieError when the two best candidates share every
// ranking key.
func Rank(records []Record, q Query) ([]Record, error) {
	out := make([]Record, 0, len(records))
	for i := range records {
		if q.Matches(&records[i]) {
			out = append(out, records[i])
		}
	}

	slices.SortStableFunc(out, func(a, b Record) int { return q.compare(&a, &b) })

	if len(out) > 1 && q.compare(&out[0], &out[1]) == 0 {
		return nil, &AmbiguousTieError{VariantID: q.VariantID, RecordIDs: [2]int64{out[0].ID, out[1].ID}}
	}
	return out, nil
}
