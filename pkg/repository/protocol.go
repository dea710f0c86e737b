// Package repository implements CRUD operations for arbitrary record types as bus endpoints:
// the caller side (Sender and the typed helpers) and the server side (Service) of one
// address/header/body convention.
package repository

import (
	"strconv"

	"github.com/morezero/repository-bus/pkg/store"
)

// Operation addresses.
const (
	AddressSave        = "repository.save"
	AddressInsert      = "repository.insert"
	AddressUpdate      = "repository.update"
	AddressUpdateMulti = "repository.updateMulti"
	AddressReplace     = "repository.replace"
	AddressFindOne     = "repository.findOne"
	AddressFindAll     = "repository.findAll"
	AddressDelete      = "repository.delete"
	AddressDeleteAll   = "repository.deleteAll"
	AddressCount       = "repository.count"
)

// Addresses lists every operation address in registration order.
var Addresses = []string{
	AddressSave, AddressInsert, AddressUpdate, AddressUpdateMulti, AddressReplace,
	AddressFindOne, AddressFindAll, AddressDelete, AddressDeleteAll, AddressCount,
}

// Header keys.
const (
	HeaderModel           = "model"
	HeaderUpsert          = "upsert"
	HeaderWriteConcern    = "writeConcern"
	HeaderMulti           = "multi"
	HeaderProtocolVersion = "protocolVersion"
)

// ProtocolVersion is sent by Sender in HeaderProtocolVersion.
const ProtocolVersion = "1.0.0"

// Error codes carried by failure replies.
const (
	CodeNotFound = "repository.notFound.error"
	CodeModel    = "repository.model.error"
	CodeProtocol = "repository.protocol.error"
)

// ErrorCode returns the failure code of the operation named op, e.g. "repository.save.error".
func ErrorCode(op string) string {
	return "repository." + op + ".error"
}

// Options are optional write hints. Zero values are not sent.
type Options struct {
	Upsert       bool
	WriteConcern store.WriteConcern
	// Multi is honoured by replace. updateMulti always sends it.
	Multi bool
}

// headers builds the header set for model. Only flags that are set are included.
func (o Options) headers(model string) map[string]string {
	h := map[string]string{HeaderModel: model}
	if o.Upsert {
		h[HeaderUpsert] = "true"
	}
	if o.WriteConcern != store.WriteDefault {
		h[HeaderWriteConcern] = string(o.WriteConcern)
	}
	if o.Multi {
		h[HeaderMulti] = strconv.FormatBool(o.Multi)
	}
	return h
}

// queryData is the body of updateMulti and replace.
type queryData struct {
	Query Document `json:"query"`
	Data  Document `json:"data"`
}

// writeResult is the reply of updateMulti and replace.
type writeResult struct {
	Success    bool   `json:"success"`
	Matched    int64  `json:"matched"`
	UpsertedID string `json:"upsertedId,omitempty"`
}

// deleteResult is the reply of deleteAll.
type deleteResult struct {
	Success bool  `json:"success"`
	Count   int64 `json:"count"`
}

// countResult is the reply of count.
type countResult struct {
	Count int64 `json:"count"`
}
