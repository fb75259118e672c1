package dto

// OrderedCollectionSummary is the index document of a paginated collection.
type OrderedCollectionSummary struct {
	Context    any     `json:"@context"`
	Id         string  `json:"id"`
	Type       string  `json:"type"`
	TotalItems uint    `json:"totalItems"`
	First      *string `json:"first,omitempty"`
	Last       *string `json:"last,omitempty"`
}

// OrderedCollectionPage is one page of a paginated collection.
type OrderedCollectionPage struct {
	Context      any      `json:"@context"`
	Id           string   `json:"id"`
	Type         string   `json:"type"`
	TotalItems   uint     `json:"totalItems"`
	PartOf       string   `json:"partOf"`
	Next         *string  `json:"next,omitempty"`
	Prev         *string  `json:"prev,omitempty"`
	OrderedItems []string `json:"orderedItems"`
}

// CollectionIn is the tolerant parse of a remote collection or collection
// page. Remote servers variously embed items in the index document, point at
// a first page, or inline the first page wholesale; every shape funnels
// through this one struct.
type CollectionIn struct {
	Id           string `json:"id"`
	Type         string `json:"type"`
	TotalItems   uint   `json:"totalItems"`
	First        any    `json:"first"` // URL string or embedded page
	Next         string `json:"next"`
	PartOf       string `json:"partOf"`
	OrderedItems []any  `json:"orderedItems"`
	Items        []any  `json:"items"`
}

// ItemIds flattens the page's items to identifiers: strings pass through,
// embedded objects contribute their id. Anything else is skipped.
func (c *CollectionIn) ItemIds() []string {
	var res []string
	appendItems := func(items []any) {
		for _, item := range items {
			if str, ok := item.(string); ok {
				res = append(res, str)
				continue
			}
			if obj, ok := item.(map[string]interface{}); ok {
				if idStr, ok := obj["id"].(string); ok {
					res = append(res, idStr)
				}
			}
		}
	}
	appendItems(c.OrderedItems)
	appendItems(c.Items)
	return res
}
