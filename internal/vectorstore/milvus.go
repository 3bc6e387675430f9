package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/models"
)

const (
	fieldVectorID   = "vector_id"
	fieldTenantID   = "tenant_id"
	fieldDocID      = "doc_id"
	fieldChunkIndex = "chunk_index"
	fieldContent    = "content"
	fieldMetadata   = "metadata"
	fieldEmbedding  = "embedding"

	milvusMaxContentRunes = 16000
	// tenants hash into this many physical partitions
	milvusPartitionBuckets = 64
)

var milvusOutputFields = []string{fieldVectorID, fieldTenantID, fieldDocID, fieldChunkIndex, fieldContent, fieldMetadata, fieldEmbedding}

// MilvusStore keeps every tenant in one collection whose tenant_id field is
// the partition key. Milvus routes rows and searches by that key, and every
// statement also filters on tenant_id, so the tenant count is not bounded by
// the partition limit.
type MilvusStore struct {
	client     *milvusclient.Client
	collection string
	dims       int
}

// NewMilvusStore connects and makes sure the collection, its HNSW index and
// its load state exist.
func NewMilvusStore(ctx context.Context, cfg config.MilvusConfig, dims int) (*MilvusStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("milvus needs the embedding dimensions")
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c, err := milvusclient.New(connectCtx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}
	s := &MilvusStore{
		client:     c,
		collection: cfg.Collection,
		dims:       dims,
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(s.collection))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !exists {
		opt := milvusclient.NewCreateCollectionOption(s.collection, milvusSchema(s.collection, s.dims)).
			WithNumPartitions(milvusPartitionBuckets)
		if err := s.client.CreateCollection(ctx, opt); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		idx := index.NewHNSWIndex(entity.COSINE, 16, 200)
		task, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(s.collection, fieldEmbedding, idx))
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		if err := task.Await(ctx); err != nil {
			return fmt.Errorf("failed to wait for index creation: %w", err)
		}
		log.Info().Str("collection", s.collection).Int("dims", s.dims).Msg("created milvus collection")
	}
	return s.load(ctx)
}

func milvusSchema(collection string, dims int) *entity.Schema {
	return entity.NewSchema().
		WithName(collection).
		WithDescription("tenant keyed knowledge chunks").
		WithAutoID(false).
		WithField(entity.NewField().WithName(fieldVectorID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true)).
		WithField(entity.NewField().WithName(fieldTenantID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(255).WithIsPartitionKey(true)).
		WithField(entity.NewField().WithName(fieldDocID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(255)).
		WithField(entity.NewField().WithName(fieldChunkIndex).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldContent).WithDataType(entity.FieldTypeVarChar).WithMaxLength(65535)).
		WithField(entity.NewField().WithName(fieldMetadata).WithDataType(entity.FieldTypeJSON)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dims)))
}

func (s *MilvusStore) load(ctx context.Context) error {
	task, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(s.collection))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := task.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

// tenantExpr renders the boolean filter for a tenant plus extra equality
// predicates on the metadata JSON field, in stable key order.
func tenantExpr(tenantID string, extra map[string]string) string {
	parts := []string{fieldTenantID + " == " + strconv.Quote(tenantID)}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s[%s] == %s", fieldMetadata, strconv.Quote(k), strconv.Quote(extra[k])))
	}
	return strings.Join(parts, " && ")
}

func (s *MilvusStore) Upsert(ctx context.Context, tenantID string, records []models.VectorRecord) error {
	n := len(records)
	ids := make([]string, n)
	tenants := make([]string, n)
	docIDs := make([]string, n)
	indexes := make([]int64, n)
	contents := make([]string, n)
	metas := make([][]byte, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		if len(r.Embedding) != s.dims {
			return fmt.Errorf("%w: embedding has %d dimensions, collection has %d", models.ErrInvalidInput, len(r.Embedding), s.dims)
		}
		ids[i] = r.VectorID
		tenants[i] = tenantID
		docIDs[i] = r.Metadata[models.MetaDocID]
		indexes[i] = int64(chunkIndex(r.Metadata))
		contents[i] = models.TruncateRunes(r.Content, milvusMaxContentRunes)
		metas[i] = meta
		vectors[i] = r.Embedding
	}

	opt := milvusclient.NewColumnBasedInsertOption(s.collection,
		column.NewColumnVarChar(fieldVectorID, ids),
		column.NewColumnVarChar(fieldTenantID, tenants),
		column.NewColumnVarChar(fieldDocID, docIDs),
		column.NewColumnInt64(fieldChunkIndex, indexes),
		column.NewColumnVarChar(fieldContent, contents),
		column.NewColumnJSONBytes(fieldMetadata, metas),
		column.NewColumnFloatVector(fieldEmbedding, s.dims, vectors),
	)
	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("failed to upsert into milvus: %w", err)
	}
	return nil
}

func (s *MilvusStore) Search(ctx context.Context, tenantID string, query []float32, topK int, filter map[string]string) ([]models.SearchResult, error) {
	results, err := s.client.Search(ctx, milvusclient.NewSearchOption(
		s.collection,
		topK,
		[]entity.Vector{entity.FloatVector(query)},
	).WithANNSField(fieldEmbedding).
		WithSearchParam("ef", "64").
		WithFilter(tenantExpr(tenantID, filter)).
		WithOutputFields(milvusOutputFields...))
	if err != nil {
		return nil, fmt.Errorf("failed to search milvus: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	rs := results[0]

	out := make([]models.SearchResult, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		r := models.SearchResult{Score: float64(rs.Scores[i])}
		var rowTenant string
		for _, field := range rs.Fields {
			switch col := field.(type) {
			case *column.ColumnVarChar:
				v := col.Data()[i]
				switch col.Name() {
				case fieldVectorID:
					r.VectorID = v
				case fieldTenantID:
					rowTenant = v
				case fieldDocID:
					r.DocID = v
				case fieldContent:
					r.Content = v
				}
			case *column.ColumnInt64:
				if col.Name() == fieldChunkIndex {
					r.ChunkIndex = int(col.Data()[i])
				}
			case *column.ColumnJSONBytes:
				if col.Name() == fieldMetadata {
					if err := json.Unmarshal(col.Data()[i], &r.Metadata); err != nil {
						return nil, fmt.Errorf("failed to decode metadata: %w", err)
					}
				}
			case *column.ColumnFloatVector:
				if col.Name() == fieldEmbedding {
					r.Embedding = col.Data()[i]
				}
			}
		}
		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		// A row whose column and metadata tenants disagree belongs to nobody.
		if rowTenant != r.Metadata[models.MetaTenantID] {
			r.Metadata[models.MetaTenantID] = ""
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MilvusStore) Delete(ctx context.Context, tenantID string, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	quoted := make([]string, len(docIDs))
	for i, id := range docIDs {
		quoted[i] = strconv.Quote(id)
	}
	expr := fmt.Sprintf("%s && %s in [%s]", tenantExpr(tenantID, nil), fieldDocID, strings.Join(quoted, ", "))
	opt := milvusclient.NewDeleteOption(s.collection).WithExpr(expr)
	if _, err := s.client.Delete(ctx, opt); err != nil {
		return fmt.Errorf("failed to delete from milvus: %w", err)
	}
	return nil
}

func (s *MilvusStore) Stats(ctx context.Context, tenantID string) (int64, error) {
	rs, err := s.client.Query(ctx, milvusclient.NewQueryOption(s.collection).
		WithFilter(tenantExpr(tenantID, nil)).
		WithOutputFields("count(*)"))
	if err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	col, ok := rs.GetColumn("count(*)").(*column.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, nil
	}
	return col.Data()[0], nil
}

func (s *MilvusStore) Close() error {
	return s.client.Close(context.Background())
}
