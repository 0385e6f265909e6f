// Package objstore is the capability the store consumes from object
// storage: list by prefix, get, unconditional put, conditional create,
// delete. Implementations must be safe for concurrent use.
package objstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing object. Delete of a
	// missing object succeeds.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by PutIfAbsent when the object exists.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrTransient wraps a retryable failure that survived the retry cap.
	ErrTransient = errors.New("transient object store failure")
)

// DefaultPageSize is the listing page size used when a caller passes no
// limit. Matches the native S3 page.
const DefaultPageSize = 1000

// ListPage is one page of a listing.
type ListPage struct {
	Names     []string
	Truncated bool // more names exist after the last entry
}

// Client is the object store capability set. Only PutIfAbsent is
// required to be atomic against concurrent callers.
type Client interface {
	// List returns names under prefix, lexically ordered, strictly after
	// startAfter ("" to start at the beginning), at most limit names
	// (<=0 means DefaultPageSize).
	List(ctx context.Context, prefix, startAfter string, limit int) (ListPage, error)
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	PutIfAbsent(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// ListAll drains a listing from startAfter to the end.
func ListAll(ctx context.Context, c Client, prefix, startAfter string) ([]string, error) {
	var names []string
	for {
		page, err := c.List(ctx, prefix, startAfter, 0)
		if err != nil {
			return nil, err
		}
		names = append(names, page.Names...)
		if !page.Truncated || len(page.Names) == 0 {
			return names, nil
		}
		startAfter = page.Names[len(page.Names)-1]
	}
}
