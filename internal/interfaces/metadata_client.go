package interfaces

import (
	"context"

	"github.com/ternarybob/conductor/internal/models"
)

// MetadataClient is the consumed surface of the metadata store: a
// versioned, tagged object catalog. The orchestrator reads during
// assembly and writes only through dedicated record steps. All objects
// are append-only; new versions never rewrite older ones.
type MetadataClient interface {
	// PreallocateID reserves an object identifier without writing a
	// definition. A preallocated id with no subsequent object is legal
	// and ignored by reads and search.
	PreallocateID(ctx context.Context, tenant string, objectType models.ObjectType) (*models.TagHeader, error)

	// CreatePreallocatedObject writes the first definition and tag for
	// a previously preallocated id.
	CreatePreallocatedObject(ctx context.Context, tenant string, header *models.TagHeader, definition *models.ObjectDefinition, attrs []models.TagUpdate) (*models.TagHeader, error)

	// UpdateObject writes a new object version over the selected prior version.
	UpdateObject(ctx context.Context, tenant string, prior models.TagSelector, definition *models.ObjectDefinition, attrs []models.TagUpdate) (*models.TagHeader, error)

	// UpdateTag applies attribute updates to the selected version
	// without creating a new object version.
	UpdateTag(ctx context.Context, tenant string, prior models.TagSelector, attrs []models.TagUpdate) (*models.TagHeader, error)

	// ReadObject resolves a selector to a single tag.
	ReadObject(ctx context.Context, tenant string, selector models.TagSelector) (*models.Tag, error)

	// ReadBatch resolves multiple selectors in one call, preserving order.
	ReadBatch(ctx context.Context, tenant string, selectors []models.TagSelector) ([]*models.Tag, error)

	// Search finds the latest tags matching the search parameters.
	Search(ctx context.Context, tenant string, params models.SearchParams) ([]*models.Tag, error)

	// WriteBatch applies multiple write operations atomically. Every tag
	// written by the batch carries the same create time.
	WriteBatch(ctx context.Context, tenant string, batch *models.WriteBatchRequest) ([]*models.TagHeader, error)
}
