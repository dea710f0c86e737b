package repository

import "github.com/morezero/repository-bus/pkg/store"

// IDField is the caller-side identifier key.
const IDField = "id"

// Document is a record body. Callers see IDField; the storage backend sees store.IDField.
type Document = store.Document

// ToBackend returns a copy of doc with IDField renamed to store.IDField. The value is kept
// as sent, so an empty, null or non-string id still constrains a query and matches nothing.
func ToBackend(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if k == IDField {
			out[store.IDField] = v
			continue
		}
		out[k] = v
	}
	return out
}

// FromBackend returns a copy of doc with store.IDField renamed to IDField.
func FromBackend(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		if k == store.IDField {
			out[IDField] = v
			continue
		}
		out[k] = v
	}
	return out
}

// SplitID separates the identifier of a caller-side document from its other fields.
// ok is false when doc carries no non-empty string id. fields never contains IDField or
// store.IDField.
func SplitID(doc Document) (id string, fields Document, ok bool) {
	id, ok = doc[IDField].(string)
	fields = make(Document, len(doc))
	for k, v := range doc {
		if k == IDField || k == store.IDField {
			continue
		}
		fields[k] = v
	}
	return id, fields, ok && id != ""
}
