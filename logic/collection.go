package logic

import (
	"encoding/json"
	"sync"

	"warbler/dto"
)

// RemoteCollection is a lazy view over a remote paginated collection. It
// holds the index document and fetches pages only as iteration demands them.
// Iteration is restartable: each call to Items starts over from the index.
// Fetched pages are journaled on the collection itself, so they live exactly
// as long as the fan-out holding it and repeated iterations do not refetch.
type RemoteCollection struct {
	fetcher *remoteFetcher
	iri     string
	index   *dto.CollectionIn

	muPages sync.Mutex
	pages   map[string]*dto.CollectionIn
}

func newRemoteCollection(fetcher *remoteFetcher, iri string, index *dto.CollectionIn) *RemoteCollection {
	return &RemoteCollection{
		fetcher: fetcher,
		iri:     iri,
		index:   index,
		pages:   make(map[string]*dto.CollectionIn),
	}
}

// getPage returns one index or page document, fetching it on first use.
func (rc *RemoteCollection) getPage(iri string) *dto.CollectionIn {
	rc.muPages.Lock()
	if doc := rc.pages[iri]; doc != nil {
		rc.muPages.Unlock()
		return doc
	}
	rc.muPages.Unlock()
	doc := rc.fetcher.fetchCollectionDoc(iri)
	if doc == nil {
		return nil
	}
	rc.muPages.Lock()
	rc.pages[iri] = doc
	rc.muPages.Unlock()
	return doc
}

func (rc *RemoteCollection) Iri() string {
	return rc.iri
}

// TotalItems is the remote server's claimed size, which pagination is not
// required to bear out.
func (rc *RemoteCollection) TotalItems() uint {
	if rc.index == nil {
		return 0
	}
	return rc.index.TotalItems
}

// Items returns a fresh iterator positioned before the first item.
func (rc *RemoteCollection) Items() *CollectionIterator {
	return &CollectionIterator{col: rc}
}

// CollectionIterator walks a remote collection one item at a time, chasing
// first/next page links lazily. Any anomaly (unreachable page, malformed
// document, missing link) ends the iteration silently; partial enumeration
// is the normal failure mode here, not an error.
type CollectionIterator struct {
	col      *RemoteCollection
	started  bool
	done     bool
	buf      []string
	nextPage string
}

// Next returns the next item identifier, or "" and false when the collection
// is exhausted or a page could not be retrieved.
func (it *CollectionIterator) Next() (string, bool) {
	for {
		if len(it.buf) > 0 {
			item := it.buf[0]
			it.buf = it.buf[1:]
			return item, true
		}
		if it.done {
			return "", false
		}
		if !it.started {
			it.started = true
			it.primeFromIndex()
			continue
		}
		if it.nextPage == "" {
			it.done = true
			continue
		}
		it.loadPage(it.nextPage)
	}
}

// primeFromIndex loads items embedded in the index document and queues the
// first page link, whichever the server provided.
func (it *CollectionIterator) primeFromIndex() {
	index := it.col.index
	if index == nil {
		// Collection came from the fetch-record cache without its index
		// document; refetch it.
		index = it.col.getPage(it.col.iri)
		if index == nil {
			it.done = true
			return
		}
		it.col.index = index
	}
	it.buf = append(it.buf, index.ItemIds()...)

	switch first := index.First.(type) {
	case string:
		it.nextPage = first
	case map[string]interface{}:
		// Inlined first page: mine it for items and its next link
		raw, err := json.Marshal(first)
		if err != nil {
			break
		}
		var page dto.CollectionIn
		if json.Unmarshal(raw, &page) != nil {
			break
		}
		it.buf = append(it.buf, page.ItemIds()...)
		it.nextPage = page.Next
	}
	if it.nextPage == "" && len(it.buf) == 0 {
		it.done = true
	}
}

func (it *CollectionIterator) loadPage(iri string) {
	it.nextPage = ""
	page := it.col.getPage(iri)
	if page == nil {
		it.done = true
		return
	}
	it.buf = append(it.buf, page.ItemIds()...)
	it.nextPage = page.Next
	if it.nextPage == "" && len(it.buf) == 0 {
		it.done = true
	}
}
