package store

import (
	"context"

	"github.com/peerproof/referral-registry/interfaces"
)

// Iterator walks a referrer's records page by page. It fetches lazily, and
// Cursor can be persisted to resume a later iteration where this one stopped.
//
//	it := store.NewIterator(s, referrer, 100)
//	for it.Next(ctx) {
//	    rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	store    interfaces.RegistryStore
	referrer interfaces.Address
	limit    int

	cursor  interfaces.Cursor
	buf     []interfaces.RegistryRecord
	current interfaces.RegistryRecord
	done    bool
	err     error
}

func NewIterator(s interfaces.RegistryStore, referrer interfaces.Address, pageSize int) *Iterator {
	return &Iterator{store: s, referrer: referrer, limit: pageSize}
}

// From resumes iteration after the given cursor.
func (it *Iterator) From(c interfaces.Cursor) *Iterator {
	it.cursor = c
	return it
}

func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if len(it.buf) == 0 {
		if it.done {
			return false
		}
		page, err := it.store.ListByReferrer(ctx, it.referrer, interfaces.Page{After: it.cursor, Limit: it.limit})
		if err != nil {
			it.err = err
			return false
		}
		it.buf = page.Records
		if page.Next.IsZero() {
			it.done = true
		}
		if len(it.buf) == 0 {
			return false
		}
	}

	it.current = it.buf[0]
	it.buf = it.buf[1:]
	it.cursor = interfaces.CursorAfter(it.current)
	return true
}

func (it *Iterator) Record() interfaces.RegistryRecord {
	return it.current
}

func (it *Iterator) Err() error {
	return it.err
}

// Cursor points after the last record returned by Next.
func (it *Iterator) Cursor() interfaces.Cursor {
	return it.cursor
}
