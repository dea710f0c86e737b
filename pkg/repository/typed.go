package repository

import (
	"context"
	"fmt"

	"github.com/morezero/repository-bus/pkg/bus"
	"github.com/morezero/repository-bus/pkg/commsutil"
)

const typedLogPrefix = "repository:typed"

func modelName[T Model]() string {
	var zero T
	return zero.ModelName()
}

// toDocument converts a model value into its caller-side document.
func toDocument(v any) (Document, error) {
	data, err := commsutil.EncodePayload(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode model: %w", typedLogPrefix, err)
	}
	var doc Document
	if err := commsutil.DecodePayload(data, &doc); err != nil {
		return nil, fmt.Errorf("%s - model is not a document: %w", typedLogPrefix, err)
	}
	return doc, nil
}

func fromDocument[T any](doc Document) (T, error) {
	var out T
	data, err := commsutil.EncodePayload(doc)
	if err != nil {
		return out, fmt.Errorf("%s - failed to encode document: %w", typedLogPrefix, err)
	}
	if err := commsutil.DecodePayload(data, &out); err != nil {
		return out, fmt.Errorf("%s - failed to decode %T: %w", typedLogPrefix, out, err)
	}
	return out, nil
}

func fromDocuments[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := fromDocument[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type documentOp func(ctx context.Context, model string, doc Document) (Document, error)

func roundTrip[T Model](ctx context.Context, op documentOp, m T) (T, error) {
	var zero T
	doc, err := toDocument(m)
	if err != nil {
		return zero, err
	}
	out, err := op(ctx, m.ModelName(), doc)
	if err != nil {
		return zero, err
	}
	return fromDocument[T](out)
}

// Save stores m and returns it with its id populated.
func Save[T Model](ctx context.Context, s *Sender, m T) (T, error) {
	return roundTrip(ctx, s.Save, m)
}

// Insert stores m as a new record.
func Insert[T Model](ctx context.Context, s *Sender, m T) (T, error) {
	return roundTrip(ctx, s.Insert, m)
}

// Update merges m into the record with m's id.
func Update[T Model](ctx context.Context, s *Sender, m T, opts Options) (T, error) {
	return roundTrip(ctx, func(ctx context.Context, model string, doc Document) (Document, error) {
		return s.Update(ctx, model, doc, opts)
	}, m)
}

// UpdateMulti merges data into every T matching query.
func UpdateMulti[T Model](ctx context.Context, s *Sender, query, data Document, opts Options) ([]T, error) {
	docs, err := s.UpdateMulti(ctx, modelName[T](), query, data, opts)
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}

// Replace overwrites every T matching query with data.
func Replace[T Model](ctx context.Context, s *Sender, query, data Document, opts Options) ([]T, error) {
	docs, err := s.Replace(ctx, modelName[T](), query, data, opts)
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}

// FindOne returns the first T matching query.
func FindOne[T Model](ctx context.Context, s *Sender, query Document) (T, error) {
	doc, err := s.FindOne(ctx, modelName[T](), query)
	if err != nil {
		var zero T
		return zero, err
	}
	return fromDocument[T](doc)
}

// FindAll returns every T matching query.
func FindAll[T Model](ctx context.Context, s *Sender, query Document) ([]T, error) {
	docs, err := s.FindAll(ctx, modelName[T](), query)
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}

// Delete removes the record with m's id.
func Delete[T Model](ctx context.Context, s *Sender, m T) (T, error) {
	return roundTrip(ctx, s.Delete, m)
}

// DeleteAll removes every T matching query, see Sender.DeleteAll.
func DeleteAll[T Model](ctx context.Context, s *Sender, query Document) ([]T, error) {
	docs, err := s.DeleteAll(ctx, modelName[T](), query)
	if err != nil {
		return nil, err
	}
	return fromDocuments[T](docs)
}

// Count returns the number of T matching query.
func Count[T Model](ctx context.Context, s *Sender, query Document) (int64, error) {
	return s.Count(ctx, modelName[T](), query)
}

// validate runs m's Validator, if any, through bus.VerifyErrors.
func validate[T Model](ctx context.Context, m T) (T, error) {
	v, ok := any(m).(Validator)
	if !ok {
		return m, nil
	}
	return bus.VerifyErrors(v.Validate(ctx), m)
}

// SaveValidated validates m and saves it when it has no field errors. A failed validation
// returns the *apperror.ValidationError and sends nothing.
func SaveValidated[T Model](ctx context.Context, s *Sender, m T) (T, error) {
	m, err := validate(ctx, m)
	if err != nil {
		return m, err
	}
	return Save(ctx, s, m)
}

// UpdateValidated validates m and updates it when it has no field errors.
func UpdateValidated[T Model](ctx context.Context, s *Sender, m T, opts Options) (T, error) {
	m, err := validate(ctx, m)
	if err != nil {
		return m, err
	}
	return Update(ctx, s, m, opts)
}
