package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

type milvusConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
}

type milvusStore struct {
	cli *milvusclient.Client

	mu    sync.RWMutex
	infos map[string]*CollectionInfo
}

func init() {
	Register("milvus", createMilvusStore)
}

func createMilvusStore(args interface{}) (Store, error) {
	cfg := &milvusConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("milvus store address is required")
	}
	cli, err := milvusclient.New(context.Background(), &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", appErr.ErrConnectionUnavailable, cfg.Address, err)
	}
	return &milvusStore{cli: cli, infos: map[string]*CollectionInfo{}}, nil
}

func (s *milvusStore) Ping(ctx context.Context) error {
	if _, err := s.cli.ListCollections(ctx, milvusclient.NewListCollectionOption()); err != nil {
		return wrapMilvusErr("list collections", err)
	}
	return nil
}

func (s *milvusStore) HasCollection(ctx context.Context, name string) (bool, error) {
	has, err := s.cli.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return false, wrapMilvusErr("has collection", err)
	}
	return has, nil
}

func (s *milvusStore) CreateCollection(ctx context.Context, schema Schema) error {
	sch := entity.NewSchema().WithName(schema.Name).WithDescription(schema.Description)
	sch = sch.WithField(entity.NewField().
		WithName("id").
		WithDataType(entity.FieldTypeInt64).
		WithIsPrimaryKey(true).
		WithIsAutoID(schema.AutoID))
	sch = sch.WithField(entity.NewField().
		WithName("embedding").
		WithDataType(entity.FieldTypeFloatVector).
		WithDim(int64(schema.Dim)))
	for _, f := range schema.Fields {
		field := entity.NewField().WithName(f.Name)
		switch f.Type {
		case FieldTypeVarChar:
			field = field.WithDataType(entity.FieldTypeVarChar).WithMaxLength(int64(f.MaxLength))
		case FieldTypeInt64:
			field = field.WithDataType(entity.FieldTypeInt64)
		default:
			return fmt.Errorf("unsupported field type %s for %s", f.Type, f.Name)
		}
		sch = sch.WithField(field)
	}
	if err := s.cli.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(schema.Name, sch)); err != nil {
		return wrapMilvusErr("create collection", err)
	}
	s.cacheInfo(schema.Name, &CollectionInfo{
		Name:   schema.Name,
		Dim:    schema.Dim,
		AutoID: schema.AutoID,
		Fields: append([]FieldSpec(nil), schema.Fields...),
	})
	return nil
}

func (s *milvusStore) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	desc, err := s.cli.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(name))
	if err != nil {
		return nil, wrapMilvusErr("describe collection", err)
	}
	info := &CollectionInfo{Name: name, Loaded: desc.Loaded}
	for _, field := range desc.Schema.Fields {
		if field.PrimaryKey {
			info.AutoID = field.AutoID
			continue
		}
		switch field.DataType {
		case entity.FieldTypeFloatVector:
			if raw, ok := field.TypeParams["dim"]; ok {
				info.Dim, _ = strconv.Atoi(raw)
			}
		case entity.FieldTypeVarChar:
			maxLen := 0
			if raw, ok := field.TypeParams["max_length"]; ok {
				maxLen, _ = strconv.Atoi(raw)
			}
			info.Fields = append(info.Fields, FieldSpec{Name: field.Name, Type: FieldTypeVarChar, MaxLength: maxLen})
		case entity.FieldTypeInt64:
			info.Fields = append(info.Fields, FieldSpec{Name: field.Name, Type: FieldTypeInt64})
		}
	}
	indexes, err := s.cli.ListIndexes(ctx, milvusclient.NewListIndexOption(name))
	if err != nil {
		return nil, wrapMilvusErr("list indexes", err)
	}
	info.HasIndex = len(indexes) > 0
	s.cacheInfo(name, info)
	return info, nil
}

func (s *milvusStore) CreateIndex(ctx context.Context, name string, spec IndexSpec) error {
	var idx index.Index
	switch strings.ToUpper(spec.Type) {
	case "HNSW":
		idx = index.NewHNSWIndex(entity.MetricType(spec.Metric), spec.M, spec.EfConstruction)
	default:
		return fmt.Errorf("unsupported index type %s", spec.Type)
	}
	task, err := s.cli.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, "embedding", idx))
	if err != nil {
		return wrapMilvusErr("create index", err)
	}
	if err := task.Await(ctx); err != nil {
		return wrapMilvusErr("await index", err)
	}
	return nil
}

func (s *milvusStore) LoadCollection(ctx context.Context, name string) error {
	task, err := s.cli.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return wrapMilvusErr("load collection", err)
	}
	if err := task.Await(ctx); err != nil {
		return wrapMilvusErr("await load", err)
	}
	return nil
}

func (s *milvusStore) ReleaseCollection(ctx context.Context, name string) error {
	if err := s.cli.ReleaseCollection(ctx, milvusclient.NewReleaseCollectionOption(name)); err != nil {
		return wrapMilvusErr("release collection", err)
	}
	return nil
}

func (s *milvusStore) Insert(ctx context.Context, name string, rows []Row) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	info, err := s.collectionInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if len(row.Vector) != info.Dim {
			return nil, fmt.Errorf("%w: row %d has dim %d, collection %s wants %d",
				appErr.ErrDimensionMismatch, i, len(row.Vector), name, info.Dim)
		}
	}

	ids := make([]int64, 0, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		vectors = append(vectors, row.Vector)
	}
	cols := make([]column.Column, 0, len(info.Fields)+2)
	if !info.AutoID {
		cols = append(cols, column.NewColumnInt64("id", ids))
	}
	cols = append(cols, column.NewColumnFloatVector("embedding", info.Dim, vectors))
	for _, f := range info.Fields {
		switch f.Type {
		case FieldTypeVarChar:
			values := make([]string, len(rows))
			for i, row := range rows {
				values[i], _ = row.Fields[f.Name].(string)
			}
			cols = append(cols, column.NewColumnVarChar(f.Name, values))
		case FieldTypeInt64:
			values := make([]int64, len(rows))
			for i, row := range rows {
				values[i] = asInt64(row.Fields[f.Name])
			}
			cols = append(cols, column.NewColumnInt64(f.Name, values))
		}
	}
	res, err := s.cli.Insert(ctx, milvusclient.NewColumnBasedInsertOption(name, cols...))
	if err != nil {
		return nil, wrapMilvusErr("insert", err)
	}
	if !info.AutoID {
		return ids, nil
	}
	generated, ok := res.IDs.(*column.ColumnInt64)
	if !ok {
		return nil, fmt.Errorf("unexpected id column type %T", res.IDs)
	}
	return append([]int64(nil), generated.Data()...), nil
}

func (s *milvusStore) Delete(ctx context.Context, name string, filter Filter) (int64, error) {
	expr := buildMilvusExpr(filter)
	if expr == "" {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", appErr.ErrInvalid)
	}
	res, err := s.cli.Delete(ctx, milvusclient.NewDeleteOption(name).WithExpr(expr))
	if err != nil {
		return 0, wrapMilvusErr("delete", err)
	}
	return res.DeleteCount, nil
}

func (s *milvusStore) Search(ctx context.Context, name string, vector []float32, topK int, filter Filter, params SearchParams) ([]Hit, error) {
	info, err := s.collectionInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(vector) != info.Dim {
		return nil, fmt.Errorf("%w: query has dim %d, collection %s wants %d",
			appErr.ErrDimensionMismatch, len(vector), name, info.Dim)
	}
	outputs := make([]string, 0, len(info.Fields))
	for _, f := range info.Fields {
		outputs = append(outputs, f.Name)
	}
	opt := milvusclient.NewSearchOption(name, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField("embedding").
		WithOutputFields(outputs...)
	if expr := buildMilvusExpr(filter); expr != "" {
		opt = opt.WithFilter(expr)
	}
	if params.Ef > 0 {
		opt = opt.WithAnnParam(index.NewHNSWAnnParam(params.Ef))
	}
	results, err := s.cli.Search(ctx, opt)
	if err != nil {
		return nil, wrapMilvusErr("search", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	rs := results[0]
	hits := make([]Hit, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		hit := Hit{Score: rs.Scores[i], Fields: map[string]interface{}{}}
		if rs.IDs != nil {
			if raw, err := rs.IDs.Get(i); err == nil {
				hit.ID = asInt64(raw)
			}
		}
		for _, fname := range outputs {
			col := rs.GetColumn(fname)
			if col == nil {
				continue
			}
			if raw, err := col.Get(i); err == nil {
				hit.Fields[fname] = raw
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *milvusStore) Flush(ctx context.Context, name string) error {
	task, err := s.cli.Flush(ctx, milvusclient.NewFlushOption(name))
	if err != nil {
		return wrapMilvusErr("flush", err)
	}
	if err := task.Await(ctx); err != nil {
		return wrapMilvusErr("await flush", err)
	}
	return nil
}

func (s *milvusStore) RowCount(ctx context.Context, name string) (int64, error) {
	stats, err := s.cli.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(name))
	if err != nil {
		return 0, wrapMilvusErr("collection stats", err)
	}
	raw, ok := stats["row_count"]
	if !ok {
		return 0, nil
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

func (s *milvusStore) DropCollection(ctx context.Context, name string) error {
	if err := s.cli.DropCollection(ctx, milvusclient.NewDropCollectionOption(name)); err != nil {
		return wrapMilvusErr("drop collection", err)
	}
	s.mu.Lock()
	delete(s.infos, name)
	s.mu.Unlock()
	return nil
}

func (s *milvusStore) Close() error {
	return s.cli.Close(context.Background())
}

func (s *milvusStore) cacheInfo(name string, info *CollectionInfo) {
	s.mu.Lock()
	s.infos[name] = info
	s.mu.Unlock()
}

func (s *milvusStore) collectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	s.mu.RLock()
	info := s.infos[name]
	s.mu.RUnlock()
	if info != nil {
		return info, nil
	}
	return s.DescribeCollection(ctx, name)
}

// buildMilvusExpr is the only place structured filters become Milvus
// boolean expressions. Tags are stored as a JSON string, so containment
// uses quoted LIKE probes joined with and.
func buildMilvusExpr(filter Filter) string {
	clauses := make([]string, 0, len(filter.TagsAll)+len(filter.Equals))
	for _, tag := range filter.TagsAll {
		clauses = append(clauses, fmt.Sprintf(`tags like '%%"%s"%%'`, escapeExprString(tag)))
	}
	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := filter.Equals[k].(type) {
		case string:
			clauses = append(clauses, fmt.Sprintf(`%s == '%s'`, k, escapeExprString(v)))
		case int64:
			clauses = append(clauses, fmt.Sprintf(`%s == %d`, k, v))
		case int:
			clauses = append(clauses, fmt.Sprintf(`%s == %d`, k, v))
		}
	}
	return strings.Join(clauses, " and ")
}

var exprEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`, `%`, `\%`)

func escapeExprString(s string) string {
	return exprEscaper.Replace(s)
}

func wrapMilvusErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	msg := strings.ToLower(err.Error())
	switch {
	case errors.As(err, &netErr) || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection error") || strings.Contains(msg, "transport") ||
		strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "unavailable"):
		return fmt.Errorf("%w: %s: %v", appErr.ErrConnectionUnavailable, op, err)
	case strings.Contains(msg, "not loaded"):
		return fmt.Errorf("%w: %s: %v", appErr.ErrCollectionNotLoaded, op, err)
	case strings.Contains(msg, "can't find collection") || strings.Contains(msg, "collection not found") ||
		strings.Contains(msg, "not exist"):
		return fmt.Errorf("%w: %s: %v", appErr.ErrNotFound, op, err)
	}
	return fmt.Errorf("milvus %s: %w", op, err)
}
