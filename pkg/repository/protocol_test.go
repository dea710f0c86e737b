package repository

import (
	"reflect"
	"testing"

	"github.com/morezero/repository-bus/pkg/store"
)

func TestOptionsHeaders(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want map[string]string
	}{
		{"no options", Options{}, map[string]string{"model": "m"}},
		{"upsert", Options{Upsert: true}, map[string]string{"model": "m", "upsert": "true"}},
		{"write concern", Options{WriteConcern: store.WriteMajority}, map[string]string{"model": "m", "writeConcern": "MAJORITY"}},
		{"multi", Options{Multi: true}, map[string]string{"model": "m", "multi": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.headers("m"); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("repository:protocol_test - headers() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	if got := ErrorCode("save"); got != "repository.save.error" {
		t.Errorf("repository:protocol_test - ErrorCode(save) = %q", got)
	}
}

func TestAddresses(t *testing.T) {
	if len(Addresses) != 10 {
		t.Fatalf("repository:protocol_test - %d addresses, want 10", len(Addresses))
	}
	seen := map[string]bool{}
	for _, a := range Addresses {
		if seen[a] {
			t.Errorf("repository:protocol_test - duplicate address %s", a)
		}
		seen[a] = true
	}
}
