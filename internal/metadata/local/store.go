// -----------------------------------------------------------------------
// Local Metadata Store - badger-backed object catalog for single-node mode
// -----------------------------------------------------------------------

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conductor/internal/common"
	"github.com/ternarybob/conductor/internal/interfaces"
	"github.com/ternarybob/conductor/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// objectRecord is one tag version of one object version. Object versions
// are append-only; tag versions append within an object version. A record
// with Preallocated set and no definition marks a reserved id and is
// invisible to reads and search.
type objectRecord struct {
	Key           string `badgerhold:"key"`
	Tenant        string
	ObjectType    string
	ObjectID      string
	ObjectVersion int
	TagVersion    int
	Preallocated  bool
	Definition    []byte
	Attrs         map[string]string
	CreateTime    time.Time
}

func recordKey(tenant, objectID string, objectVersion, tagVersion int) string {
	return fmt.Sprintf("%s/%s/v%d/t%d", tenant, objectID, objectVersion, tagVersion)
}

// Store implements interfaces.MetadataClient over a badgerhold store.
// Used for single-node deployments and tests; HA deployments point the
// orchestrator at a remote metadata service instead.
type Store struct {
	store  *badgerhold.Store
	clock  common.Clock
	logger arbor.ILogger
}

// Config holds the local metadata store configuration
type Config struct {
	Path           string
	ResetOnStartup bool
}

// NewStore opens the badger-backed metadata store
func NewStore(cfg *Config, clock common.Clock, logger arbor.ILogger) (*Store, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("Deleting existing metadata store (reset_on_startup=true)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("Failed to delete metadata store directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	logger.Debug().Str("path", cfg.Path).Msg("Local metadata store initialized")

	return &Store{store: store, clock: clock, logger: logger}, nil
}

// Close closes the underlying badger store
func (s *Store) Close() error {
	return s.store.Close()
}

func encodeDefinition(definition *models.ObjectDefinition) ([]byte, error) {
	if definition == nil {
		return nil, nil
	}
	data, err := json.Marshal(definition)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object definition: %w", err)
	}
	return data, nil
}

func (r *objectRecord) toTag() (*models.Tag, error) {
	tag := &models.Tag{
		Header: models.TagHeader{
			ObjectType:    models.ObjectType(r.ObjectType),
			ObjectID:      r.ObjectID,
			ObjectVersion: r.ObjectVersion,
			TagVersion:    r.TagVersion,
		},
		Attrs:      r.Attrs,
		CreateTime: r.CreateTime,
	}
	if len(r.Definition) > 0 {
		var definition models.ObjectDefinition
		if err := json.Unmarshal(r.Definition, &definition); err != nil {
			return nil, fmt.Errorf("failed to decode object definition: %w", err)
		}
		tag.Definition = &definition
	}
	return tag, nil
}

func applyTagUpdates(attrs map[string]string, updates []models.TagUpdate) map[string]string {
	out := make(map[string]string, len(attrs)+len(updates))
	for k, v := range attrs {
		out[k] = v
	}
	for _, u := range updates {
		switch u.Operation {
		case models.TagOpDelete:
			delete(out, u.Attr)
		default:
			out[u.Attr] = u.Value
		}
	}
	return out
}

// PreallocateID reserves an object identifier. The marker record stays in
// place whether or not an object is ever written for it; reads ignore it.
func (s *Store) PreallocateID(ctx context.Context, tenant string, objectType models.ObjectType) (*models.TagHeader, error) {
	header := &models.TagHeader{
		ObjectType:    objectType,
		ObjectID:      common.NewObjectID(),
		ObjectVersion: 1,
		TagVersion:    0,
	}
	record := &objectRecord{
		Key:           recordKey(tenant, header.ObjectID, 1, 0),
		Tenant:        tenant,
		ObjectType:    string(objectType),
		ObjectID:      header.ObjectID,
		ObjectVersion: 1,
		TagVersion:    0,
		Preallocated:  true,
		CreateTime:    s.clock.Now().UTC(),
	}
	if err := s.store.Insert(record.Key, record); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "metadata preallocate failed", err)
	}
	return header, nil
}

// CreatePreallocatedObject writes the first definition and tag for a
// previously preallocated id.
func (s *Store) CreatePreallocatedObject(ctx context.Context, tenant string, header *models.TagHeader, definition *models.ObjectDefinition, attrs []models.TagUpdate) (*models.TagHeader, error) {
	created, err := s.writeBatchAt(ctx, tenant, &models.WriteBatchRequest{
		Operations: []models.WriteOperation{{
			CreatePreallocated: header,
			Definition:         definition,
			Attrs:              attrs,
		}},
	}, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// resolve finds the record a selector points at.
func (s *Store) resolve(tenant string, selector models.TagSelector) (*objectRecord, error) {
	query := badgerhold.Where("Tenant").Eq(tenant).
		And("ObjectID").Eq(selector.ObjectID).
		And("Preallocated").Eq(false)
	if !selector.LatestObject && selector.ObjectVersion > 0 {
		query = query.And("ObjectVersion").Eq(selector.ObjectVersion)
	}
	if !selector.LatestTag && !selector.LatestObject && selector.TagVersion > 0 {
		query = query.And("TagVersion").Eq(selector.TagVersion)
	}

	var records []objectRecord
	if err := s.store.Find(&records, query); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "metadata read failed", err)
	}
	if len(records) == 0 {
		return nil, models.NewErrorf(models.ErrNotFound, "object not found: %s %s", selector.ObjectType, selector.ObjectID)
	}

	best := records[0]
	for _, r := range records[1:] {
		if r.ObjectVersion > best.ObjectVersion ||
			(r.ObjectVersion == best.ObjectVersion && r.TagVersion > best.TagVersion) {
			best = r
		}
	}
	return &best, nil
}

func (s *Store) ReadObject(ctx context.Context, tenant string, selector models.TagSelector) (*models.Tag, error) {
	record, err := s.resolve(tenant, selector)
	if err != nil {
		return nil, err
	}
	return record.toTag()
}

func (s *Store) ReadBatch(ctx context.Context, tenant string, selectors []models.TagSelector) ([]*models.Tag, error) {
	tags := make([]*models.Tag, 0, len(selectors))
	for _, selector := range selectors {
		tag, err := s.ReadObject(ctx, tenant, selector)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Search returns the latest tag of the latest version of each object of
// the requested type whose attributes match every term.
func (s *Store) Search(ctx context.Context, tenant string, params models.SearchParams) ([]*models.Tag, error) {
	query := badgerhold.Where("Tenant").Eq(tenant).
		And("ObjectType").Eq(string(params.ObjectType)).
		And("Preallocated").Eq(false)

	var records []objectRecord
	if err := s.store.Find(&records, query); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "metadata search failed", err)
	}

	latest := make(map[string]objectRecord)
	for _, r := range records {
		best, ok := latest[r.ObjectID]
		if !ok || r.ObjectVersion > best.ObjectVersion ||
			(r.ObjectVersion == best.ObjectVersion && r.TagVersion > best.TagVersion) {
			latest[r.ObjectID] = r
		}
	}

	var results []*models.Tag
	for _, r := range latest {
		matched := true
		for _, term := range params.Terms {
			if r.Attrs[term.Attr] != term.Value {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		tag, err := r.toTag()
		if err != nil {
			return nil, err
		}
		results = append(results, tag)
	}
	return results, nil
}

func (s *Store) UpdateObject(ctx context.Context, tenant string, prior models.TagSelector, definition *models.ObjectDefinition, attrs []models.TagUpdate) (*models.TagHeader, error) {
	latest, err := s.resolve(tenant, models.TagSelector{
		ObjectType: prior.ObjectType, ObjectID: prior.ObjectID, LatestObject: true,
	})
	if err != nil {
		return nil, err
	}

	data, err := encodeDefinition(definition)
	if err != nil {
		return nil, err
	}
	record := &objectRecord{
		Key:           recordKey(tenant, prior.ObjectID, latest.ObjectVersion+1, 1),
		Tenant:        tenant,
		ObjectType:    latest.ObjectType,
		ObjectID:      prior.ObjectID,
		ObjectVersion: latest.ObjectVersion + 1,
		TagVersion:    1,
		Definition:    data,
		Attrs:         applyTagUpdates(latest.Attrs, attrs),
		CreateTime:    s.clock.Now().UTC(),
	}
	if err := s.store.Insert(record.Key, record); err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "metadata update failed", err)
	}
	header := models.TagHeader{
		ObjectType:    models.ObjectType(record.ObjectType),
		ObjectID:      record.ObjectID,
		ObjectVersion: record.ObjectVersion,
		TagVersion:    record.TagVersion,
	}
	return &header, nil
}

func (s *Store) UpdateTag(ctx context.Context, tenant string, prior models.TagSelector, attrs []models.TagUpdate) (*models.TagHeader, error) {
	created, err := s.writeBatchAt(ctx, tenant, &models.WriteBatchRequest{
		Operations: []models.WriteOperation{{
			UpdateTag: &prior,
			Attrs:     attrs,
		}},
	}, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// WriteBatch applies multiple write operations in one badger transaction.
// Every tag written by the batch carries the same create time.
func (s *Store) WriteBatch(ctx context.Context, tenant string, batch *models.WriteBatchRequest) ([]*models.TagHeader, error) {
	return s.writeBatchAt(ctx, tenant, batch, s.clock.Now().UTC())
}

func (s *Store) writeBatchAt(ctx context.Context, tenant string, batch *models.WriteBatchRequest, now time.Time) ([]*models.TagHeader, error) {
	// Build all records up front so the transaction body cannot fail
	// half way through on anything but storage errors.
	records := make([]*objectRecord, 0, len(batch.Operations))
	headers := make([]*models.TagHeader, 0, len(batch.Operations))

	for _, op := range batch.Operations {
		switch {
		case op.CreatePreallocated != nil:
			header := op.CreatePreallocated
			data, err := encodeDefinition(op.Definition)
			if err != nil {
				return nil, err
			}
			attrs := applyTagUpdates(nil, op.Attrs)
			records = append(records, &objectRecord{
				Key:           recordKey(tenant, header.ObjectID, header.ObjectVersion, 1),
				Tenant:        tenant,
				ObjectType:    string(header.ObjectType),
				ObjectID:      header.ObjectID,
				ObjectVersion: header.ObjectVersion,
				TagVersion:    1,
				Definition:    data,
				Attrs:         attrs,
				CreateTime:    now,
			})
			headers = append(headers, &models.TagHeader{
				ObjectType:    header.ObjectType,
				ObjectID:      header.ObjectID,
				ObjectVersion: header.ObjectVersion,
				TagVersion:    1,
			})

		case op.UpdateTag != nil:
			prior, err := s.resolve(tenant, *op.UpdateTag)
			if err != nil {
				return nil, err
			}
			records = append(records, &objectRecord{
				Key:           recordKey(tenant, prior.ObjectID, prior.ObjectVersion, prior.TagVersion+1),
				Tenant:        tenant,
				ObjectType:    prior.ObjectType,
				ObjectID:      prior.ObjectID,
				ObjectVersion: prior.ObjectVersion,
				TagVersion:    prior.TagVersion + 1,
				Definition:    prior.Definition,
				Attrs:         applyTagUpdates(prior.Attrs, op.Attrs),
				CreateTime:    now,
			})
			headers = append(headers, &models.TagHeader{
				ObjectType:    models.ObjectType(prior.ObjectType),
				ObjectID:      prior.ObjectID,
				ObjectVersion: prior.ObjectVersion,
				TagVersion:    prior.TagVersion + 1,
			})

		default:
			return nil, models.NewError(models.ErrValidationFailed, "write batch operation is empty")
		}
	}

	err := s.store.Badger().Update(func(tx *badger.Txn) error {
		for _, record := range records {
			// Upsert: createPreallocated overwrites the reservation marker
			if err := s.store.TxUpsert(tx, record.Key, record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, models.WrapError(models.ErrTransientIO, "metadata batch write failed", err)
	}
	return headers, nil
}

var _ interfaces.MetadataClient = (*Store)(nil)
