package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// STACVersion is the catalog version of the inter-service data contract
const STACVersion = "1.0.0-beta.2"

// Link relation types used in harmony catalogs
const (
	StacRelItem          = "item"
	StacRelPrev          = "prev"
	StacRelNext          = "next"
	StacRelHarmonySource = "harmony_source"
)

// StacLink is one link entry in a catalog
type StacLink struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// StacCatalog is the JSON document exchanged between services. Item
// catalogs list items via rel=item links; aggregation catalogs carry only
// item, prev, next and harmony_source links.
type StacCatalog struct {
	StacVersion string     `json:"stac_version"`
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Links       []StacLink `json:"links"`
}

// StacAsset is one downloadable artifact of a STAC item
type StacAsset struct {
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// StacItemProperties carries the temporal extent of an item
type StacItemProperties struct {
	StartDatetime string `json:"start_datetime,omitempty"`
	EndDatetime   string `json:"end_datetime,omitempty"`
}

// StacItem is one granule-level result with its data asset
type StacItem struct {
	StacVersion string               `json:"stac_version"`
	ID          string               `json:"id"`
	BBox        []float64            `json:"bbox,omitempty"`
	Properties  StacItemProperties   `json:"properties"`
	Assets      map[string]StacAsset `json:"assets"`
	Links       []StacLink           `json:"links,omitempty"`
}

// DataAsset returns the item's "data" asset, the artifact the completer
// turns into a job link.
func (i *StacItem) DataAsset() (StacAsset, bool) {
	a, ok := i.Assets["data"]
	return a, ok
}

// ItemLinks returns the catalog's rel=item links in order
func (c *StacCatalog) ItemLinks() []StacLink {
	var links []StacLink
	for _, l := range c.Links {
		if l.Rel == StacRelItem {
			links = append(links, l)
		}
	}
	return links
}

// NextLink returns the catalog's rel=next link, if any
func (c *StacCatalog) NextLink() (StacLink, bool) {
	for _, l := range c.Links {
		if l.Rel == StacRelNext {
			return l, true
		}
	}
	return StacLink{}, false
}

// CatalogFromJSON decodes a STAC catalog document
func CatalogFromJSON(data []byte) (*StacCatalog, error) {
	var c StacCatalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode STAC catalog: %w", err)
	}
	return &c, nil
}

// ItemFromJSON decodes a STAC item document
func ItemFromJSON(data []byte) (*StacItem, error) {
	var i StacItem
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("failed to decode STAC item: %w", err)
	}
	return &i, nil
}

// ResolveStacHref resolves a link href against the URL of the catalog that
// contains it. Absolute hrefs (scheme-qualified or rooted) pass through;
// relative hrefs are joined to the catalog's directory.
func ResolveStacHref(catalogURL, href string) string {
	if href == "" {
		return catalogURL
	}
	if strings.Contains(href, "://") || strings.HasPrefix(href, "/") {
		return href
	}
	href = strings.TrimPrefix(href, "./")
	idx := strings.LastIndex(catalogURL, "/")
	if idx < 0 {
		return href
	}
	return catalogURL[:idx+1] + href
}
