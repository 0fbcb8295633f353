// Package rse resolves RSE expressions against the storage element
// catalog.
package rse

import (
	"context"
	"fmt"
	"strings"

	"github.com/gridline/gridline/internal/storage"
	"github.com/gridline/gridline/internal/types"
)

// ExpressionResolver is the contract the rule engine needs: an expression
// in, the storage elements it denotes out.
type ExpressionResolver interface {
	Resolve(ctx context.Context, expression string) ([]types.RSE, error)
}

// Resolver turns an RSE expression into the concrete set of storage
// elements it denotes. Two forms are supported: a verbatim RSE name, and
// "key=value" matching on RSE attributes. Every RSE carries an implicit
// attribute keyed by its own name, so the verbatim form is the attribute
// form with value "true".
type Resolver struct {
	store storage.Storage
}

func NewResolver(store storage.Storage) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the RSEs matching the expression, in catalog order.
// An expression matching nothing is an error: a rule over an empty set can
// never be satisfied.
func (r *Resolver) Resolve(ctx context.Context, expression string) ([]types.RSE, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty rse expression", types.ErrInvalidReplicationRule)
	}

	key := expression
	value := "true"
	if i := strings.IndexByte(expression, '='); i >= 0 {
		key = strings.TrimSpace(expression[:i])
		value = strings.TrimSpace(expression[i+1:])
		if key == "" || value == "" {
			return nil, fmt.Errorf("%w: malformed rse expression %q", types.ErrInvalidReplicationRule, expression)
		}
	}

	all, err := r.store.ListRSEs(ctx)
	if err != nil {
		return nil, err
	}

	var matched []types.RSE
	for _, candidate := range all {
		attrs, err := r.store.ListRSEAttributes(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		if attrs[key] == value {
			matched = append(matched, candidate)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: rse expression %q matches no storage element", types.ErrRSENotFound, expression)
	}
	return matched, nil
}
