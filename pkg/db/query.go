package db

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/morezero/repository-bus/pkg/store"
)

// whereClause translates a query document into a SQL condition over a collection table.
// store.IDField compares the id column; every other field must be contained in doc
// (jsonb @>). args are appended after existing, numbering placeholders accordingly.
func whereClause(query store.Document, existing []any) (string, []any, error) {
	args := existing
	var clauses []string

	rest := query
	if raw, ok := query[store.IDField]; ok {
		rest = query.Without(store.IDField)
		id, isString := raw.(string)
		if !isString {
			clauses = append(clauses, "FALSE")
		} else {
			args = append(args, id)
			clauses = append(clauses, fmt.Sprintf("id = $%d", len(args)))
		}
	}

	if len(rest) > 0 {
		data, err := json.Marshal(rest)
		if err != nil {
			return "", nil, fmt.Errorf("db:query - encode query: %w", err)
		}
		args = append(args, string(data))
		clauses = append(clauses, fmt.Sprintf("doc @> $%d::jsonb", len(args)))
	}

	if len(clauses) == 0 {
		return "TRUE", args, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}

// synchronousCommit maps a write concern onto the synchronous_commit setting. The default
// concern leaves the server setting untouched.
func synchronousCommit(wc store.WriteConcern) (string, bool) {
	switch wc {
	case store.WriteUnacknowledged:
		return "off", true
	case store.WriteAcknowledged, store.WriteW1:
		return "local", true
	case store.WriteW2, store.WriteW3, store.WriteJournaled, store.WriteFsynced:
		return "on", true
	case store.WriteMajority:
		return "remote_apply", true
	}
	return "", false
}

// encodeDoc serializes doc without its identifier.
func encodeDoc(doc store.Document) (string, error) {
	data, err := json.Marshal(doc.Without(store.IDField))
	if err != nil {
		return "", fmt.Errorf("db:query - encode document: %w", err)
	}
	return string(data), nil
}
