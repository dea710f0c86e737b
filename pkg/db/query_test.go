package db

import (
	"reflect"
	"strings"
	"testing"

	"github.com/morezero/repository-bus/pkg/store"
)

func TestWhereClause(t *testing.T) {
	tests := []struct {
		name     string
		query    store.Document
		existing []any
		want     string
		wantArgs []any
	}{
		{"empty", store.Document{}, nil, "TRUE", nil},
		{"id only", store.Document{"_id": "a1"}, nil, "id = $1", []any{"a1"}},
		{"fields", store.Document{"kind": "k"}, nil, "doc @> $1::jsonb", []any{`{"kind":"k"}`}},
		{"id and fields", store.Document{"_id": "a1", "kind": "k"}, nil, "id = $1 AND doc @> $2::jsonb", []any{"a1", `{"kind":"k"}`}},
		{"after existing args", store.Document{"_id": "a1"}, []any{"body"}, "id = $2", []any{"body", "a1"}},
		{"non-string id matches nothing", store.Document{"_id": 7}, nil, "FALSE", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := whereClause(tt.query, tt.existing)
			if err != nil {
				t.Fatalf("db:query_test - unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("db:query_test - where = %q, want %q", got, tt.want)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("db:query_test - args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestWhereClause_DoesNotMutateQuery(t *testing.T) {
	q := store.Document{"_id": "a1", "kind": "k"}
	if _, _, err := whereClause(q, nil); err != nil {
		t.Fatalf("db:query_test - unexpected error: %v", err)
	}
	if _, ok := q["_id"]; !ok {
		t.Error("db:query_test - whereClause removed _id from the caller's query")
	}
}

func TestSynchronousCommit(t *testing.T) {
	tests := []struct {
		wc     store.WriteConcern
		want   string
		wantOK bool
	}{
		{store.WriteDefault, "", false},
		{store.WriteUnacknowledged, "off", true},
		{store.WriteAcknowledged, "local", true},
		{store.WriteW1, "local", true},
		{store.WriteW2, "on", true},
		{store.WriteJournaled, "on", true},
		{store.WriteFsynced, "on", true},
		{store.WriteMajority, "remote_apply", true},
	}
	for _, tt := range tests {
		got, ok := synchronousCommit(tt.wc)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("db:query_test - synchronousCommit(%q) = %q, %v; want %q, %v", tt.wc, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEncodeDoc_DropsIdentifier(t *testing.T) {
	got, err := encodeDoc(store.Document{"_id": "a1", "name": "x"})
	if err != nil {
		t.Fatalf("db:query_test - unexpected error: %v", err)
	}
	if got != `{"name":"x"}` {
		t.Errorf("db:query_test - encodeDoc = %s", got)
	}
}

func TestTargetClause(t *testing.T) {
	if got := targetClause(`"c"`, "TRUE", true); got != "TRUE" {
		t.Errorf("db:query_test - multi target = %q", got)
	}
	got := targetClause(`"c"`, "id = $2", false)
	if !strings.Contains(got, "ORDER BY seq LIMIT 1") || !strings.Contains(got, "id = $2") {
		t.Errorf("db:query_test - single target = %q", got)
	}
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"widgets", false},
		{"order_items", false},
		{"_private", false},
		{"", true},
		{"bad-name", true},
		{"1st", true},
		{`x"; DROP TABLE y; --`, true},
		{collectionsTable, true},
	}
	for _, tt := range tests {
		err := ValidateCollectionName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("db:query_test - ValidateCollectionName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
