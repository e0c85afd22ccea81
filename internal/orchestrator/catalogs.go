package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// stacItemRef pairs a STAC item with the URL it was loaded from
type stacItemRef struct {
	URL  string
	Item *models.StacItem
}

// loadCatalogItems reads a catalog from the artifact store and resolves
// every rel=item link into the item document it points at.
func loadCatalogItems(ctx context.Context, store interfaces.ArtifactStore, catalogURL string) ([]stacItemRef, error) {
	body, err := store.Get(ctx, catalogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", catalogURL, err)
	}

	catalog, err := models.CatalogFromJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", catalogURL, err)
	}

	var refs []stacItemRef
	for _, link := range catalog.ItemLinks() {
		itemURL := models.ResolveStacHref(catalogURL, link.Href)

		itemBody, err := store.Get(ctx, itemURL)
		if err != nil {
			return nil, fmt.Errorf("failed to read item %s: %w", itemURL, err)
		}

		item, err := models.ItemFromJSON(itemBody)
		if err != nil {
			return nil, fmt.Errorf("failed to parse item %s: %w", itemURL, err)
		}

		refs = append(refs, stacItemRef{URL: itemURL, Item: item})
	}

	return refs, nil
}

// loadCatalogItemURLs resolves a catalog's rel=item links without fetching
// the item documents
func loadCatalogItemURLs(ctx context.Context, store interfaces.ArtifactStore, catalogURL string) ([]string, error) {
	body, err := store.Get(ctx, catalogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", catalogURL, err)
	}

	catalog, err := models.CatalogFromJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", catalogURL, err)
	}

	var urls []string
	for _, link := range catalog.ItemLinks() {
		urls = append(urls, models.ResolveStacHref(catalogURL, link.Href))
	}
	return urls, nil
}

// aggregationCatalogURL is where the step advancer writes page N of an
// aggregation input catalog
func aggregationCatalogURL(jobID string, workItemID int64, page int) string {
	return fmt.Sprintf("/tmp/%s/%d/outputs/catalog%d.json", jobID, workItemID, page)
}

// writeAggregationCatalogs pages the given item URLs into aggregation
// catalogs linked with prev/next and returns the URL of page zero.
func writeAggregationCatalogs(ctx context.Context, store interfaces.ArtifactStore, jobID string, workItemID int64, itemURLs []string, pageSize int) (string, error) {
	if pageSize <= 0 {
		pageSize = len(itemURLs)
		if pageSize == 0 {
			pageSize = 1
		}
	}

	pageCount := (len(itemURLs) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1
	}

	for page := 0; page < pageCount; page++ {
		start := page * pageSize
		end := start + pageSize
		if end > len(itemURLs) {
			end = len(itemURLs)
		}

		links := make([]models.StacLink, 0, end-start+2)
		if page > 0 {
			links = append(links, models.StacLink{
				Href: aggregationCatalogURL(jobID, workItemID, page-1),
				Rel:  models.StacRelPrev,
			})
		}
		if page < pageCount-1 {
			links = append(links, models.StacLink{
				Href: aggregationCatalogURL(jobID, workItemID, page+1),
				Rel:  models.StacRelNext,
			})
		}
		for _, url := range itemURLs[start:end] {
			links = append(links, models.StacLink{Href: url, Rel: models.StacRelItem})
		}

		catalog := models.StacCatalog{
			StacVersion: models.STACVersion,
			ID:          fmt.Sprintf("%s-aggregate-%d", jobID, page),
			Description: "aggregation input",
			Links:       links,
		}

		body, err := json.Marshal(catalog)
		if err != nil {
			return "", fmt.Errorf("failed to serialize aggregation catalog: %w", err)
		}

		if err := store.Put(ctx, aggregationCatalogURL(jobID, workItemID, page), body); err != nil {
			return "", err
		}
	}

	return aggregationCatalogURL(jobID, workItemID, 0), nil
}

// batchCatalogURL is where the batch engine writes a sealed batch's catalog
func batchCatalogURL(bucket, jobID string, stepIndex, batchID int) string {
	return fmt.Sprintf("s3://%s/%s/batches/%d/%d/catalog.json", bucket, jobID, stepIndex, batchID)
}

// writeBatchCatalog writes the catalog for a sealed batch: one
// harmony_source link plus one item link per non-placeholder batch item.
func writeBatchCatalog(ctx context.Context, store interfaces.ArtifactStore, bucket, jobID, sourceHref string, stepIndex, batchID int, items []*models.BatchItem) (string, error) {
	links := []models.StacLink{
		{Href: sourceHref, Rel: models.StacRelHarmonySource},
	}
	for _, item := range items {
		if item.IsPlaceholder() {
			continue
		}
		links = append(links, models.StacLink{Href: item.StacItemURL, Rel: models.StacRelItem})
	}

	catalog := models.StacCatalog{
		StacVersion: models.STACVersion,
		ID:          fmt.Sprintf("%s-batch-%d-%d", jobID, stepIndex, batchID),
		Description: "batch input",
		Links:       links,
	}

	body, err := json.Marshal(catalog)
	if err != nil {
		return "", fmt.Errorf("failed to serialize batch catalog: %w", err)
	}

	url := batchCatalogURL(bucket, jobID, stepIndex, batchID)
	if err := store.Put(ctx, url, body); err != nil {
		return "", err
	}
	return url, nil
}
