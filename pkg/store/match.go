package store

// Contains reports whether doc contains query: every field of a query object is present in
// doc and contains the query's value, every element of a query array is contained by some
// element of doc's array, and scalars are equal. Values are expected in their JSON-decoded
// form (float64 numbers, map[string]any objects).
func Contains(doc, query any) bool {
	switch q := query.(type) {
	case Document:
		return containsObject(doc, q)
	case map[string]any:
		return containsObject(doc, q)
	case []any:
		d, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, qe := range q {
			found := false
			for _, de := range d {
				if Contains(de, qe) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		switch doc.(type) {
		case map[string]any, Document, []any:
			return false
		}
		return doc == query
	}
}

func containsObject(doc any, query map[string]any) bool {
	var d map[string]any
	switch v := doc.(type) {
	case Document:
		d = v
	case map[string]any:
		d = v
	default:
		return false
	}
	for k, qv := range query {
		dv, ok := d[k]
		if !ok || !Contains(dv, qv) {
			return false
		}
	}
	return true
}
