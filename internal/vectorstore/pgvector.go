package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/xxxsen/ragserve/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

// pgStore maps collections onto postgres tables with a pgvector column.
// There is no separate load phase: a table counts as loaded once its hnsw
// index exists. Meant for single-box deployments where running a dedicated
// vector store is overkill.
type pgStore struct {
	db *sqlx.DB

	mu    sync.RWMutex
	infos map[string]*CollectionInfo
}

type pgConfig struct {
	DSN string `json:"dsn"`
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func init() {
	Register("pgvector", createPgStore)
}

func createPgStore(args interface{}) (Store, error) {
	cfg := &pgConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector store dsn is required")
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", appErr.ErrConnectionUnavailable, err)
	}
	if _, err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	return &pgStore{db: db, infos: map[string]*CollectionInfo{}}, nil
}

// tableName folds collection names to lower case so unquoted identifiers in
// built SQL always hit the right table.
func tableName(name string) (string, error) {
	t := strings.ToLower(name)
	if !identPattern.MatchString(t) {
		return "", fmt.Errorf("%w: collection name %q is not a valid identifier", appErr.ErrInvalid, name)
	}
	return t, nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %v", appErr.ErrConnectionUnavailable, err)
	}
	return nil
}

func (s *pgStore) HasCollection(ctx context.Context, name string) (bool, error) {
	table, err := tableName(name)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT to_regclass($1) IS NOT NULL`, table); err != nil {
		return false, wrapPgErr("has collection", err)
	}
	return exists, nil
}

func (s *pgStore) CreateCollection(ctx context.Context, schema Schema) error {
	table, err := tableName(schema.Name)
	if err != nil {
		return err
	}
	if schema.Dim <= 0 {
		return fmt.Errorf("%w: collection %s declares dim %d", appErr.ErrInvalid, schema.Name, schema.Dim)
	}
	cols := make([]string, 0, len(schema.Fields)+2)
	if schema.AutoID {
		cols = append(cols, "id BIGSERIAL PRIMARY KEY")
	} else {
		cols = append(cols, "id BIGINT PRIMARY KEY")
	}
	cols = append(cols, fmt.Sprintf("embedding vector(%d) NOT NULL", schema.Dim))
	for _, f := range schema.Fields {
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("%w: field name %q is not a valid identifier", appErr.ErrInvalid, f.Name)
		}
		switch f.Type {
		case FieldTypeVarChar:
			cols = append(cols, fmt.Sprintf("%s VARCHAR(%d) NOT NULL DEFAULT ''", f.Name, f.MaxLength))
		case FieldTypeInt64:
			cols = append(cols, fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", f.Name))
		default:
			return fmt.Errorf("unsupported field type %s for %s", f.Type, f.Name)
		}
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return wrapPgErr("create collection", err)
	}
	s.cacheInfo(table, &CollectionInfo{
		Name:   schema.Name,
		Dim:    schema.Dim,
		AutoID: schema.AutoID,
		Fields: append([]FieldSpec(nil), schema.Fields...),
	})
	return nil
}

func (s *pgStore) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	ok, err := s.HasCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	info := &CollectionInfo{Name: name}

	var dim sql.NullInt64
	err = s.db.GetContext(ctx, &dim,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`, table)
	if err != nil {
		return nil, wrapPgErr("describe embedding", err)
	}
	info.Dim = int(dim.Int64)

	rows, err := s.db.QueryxContext(ctx,
		`SELECT column_name, data_type, COALESCE(character_maximum_length, 0), COALESCE(column_default, '')
		 FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, wrapPgErr("describe columns", err)
	}
	defer rows.Close()
	for rows.Next() {
		var colName, dataType, colDefault string
		var maxLen int
		if err := rows.Scan(&colName, &dataType, &maxLen, &colDefault); err != nil {
			return nil, wrapPgErr("scan column", err)
		}
		switch colName {
		case "id":
			info.AutoID = strings.HasPrefix(colDefault, "nextval(")
		case "embedding":
		default:
			switch dataType {
			case "character varying":
				info.Fields = append(info.Fields, FieldSpec{Name: colName, Type: FieldTypeVarChar, MaxLength: maxLen})
			case "bigint":
				info.Fields = append(info.Fields, FieldSpec{Name: colName, Type: FieldTypeInt64})
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr("iterate columns", err)
	}

	var indexCount int
	err = s.db.GetContext(ctx, &indexCount,
		`SELECT COUNT(1) FROM pg_indexes WHERE tablename = $1 AND indexdef LIKE '%USING hnsw%'`, table)
	if err != nil {
		return nil, wrapPgErr("describe indexes", err)
	}
	info.HasIndex = indexCount > 0
	info.Loaded = info.HasIndex
	s.cacheInfo(table, info)
	return info, nil
}

func (s *pgStore) CreateIndex(ctx context.Context, name string, spec IndexSpec) error {
	table, err := tableName(name)
	if err != nil {
		return err
	}
	if !strings.EqualFold(spec.Type, "HNSW") {
		return fmt.Errorf("unsupported index type %s", spec.Type)
	}
	if !strings.EqualFold(spec.Metric, "COSINE") {
		return fmt.Errorf("unsupported metric %s", spec.Metric)
	}
	stmt := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_embedding_hnsw ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)",
		table, table, spec.M, spec.EfConstruction)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return wrapPgErr("create index", err)
	}
	return nil
}

func (s *pgStore) LoadCollection(ctx context.Context, name string) error {
	info, err := s.collectionInfo(ctx, name)
	if err != nil {
		return err
	}
	if !info.HasIndex {
		return fmt.Errorf("collection %s has no index to load", name)
	}
	return nil
}

func (s *pgStore) ReleaseCollection(ctx context.Context, name string) error {
	return nil
}

func (s *pgStore) Insert(ctx context.Context, name string, rows []Row) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	table, err := tableName(name)
	if err != nil {
		return nil, err
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
	data := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		item := map[string]interface{}{
			"embedding": pgvector.NewVector(row.Vector),
		}
		if !info.AutoID {
			item["id"] = row.ID
		}
		for _, f := range info.Fields {
			switch f.Type {
			case FieldTypeVarChar:
				v, _ := row.Fields[f.Name].(string)
				item[f.Name] = v
			case FieldTypeInt64:
				item[f.Name] = asInt64(row.Fields[f.Name])
			}
		}
		data = append(data, item)
	}
	sqlStr, args, err := builder.BuildInsert(table, data)
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}
	sqlStr, args = dbutil.Finalize(sqlStr+" RETURNING id", args)
	res, err := s.db.QueryxContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, wrapPgErr("insert", err)
	}
	defer res.Close()
	ids := make([]int64, 0, len(rows))
	for res.Next() {
		var id int64
		if err := res.Scan(&id); err != nil {
			return nil, wrapPgErr("scan insert id", err)
		}
		ids = append(ids, id)
	}
	if err := res.Err(); err != nil {
		return nil, wrapPgErr("iterate insert ids", err)
	}
	return ids, nil
}

func (s *pgStore) Delete(ctx context.Context, name string, filter Filter) (int64, error) {
	table, err := tableName(name)
	if err != nil {
		return 0, err
	}
	where, args := buildPgWhere(filter)
	if where == "" {
		return 0, fmt.Errorf("%w: refusing to delete without a filter", appErr.ErrInvalid)
	}
	sqlStr, args := dbutil.Finalize(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args)
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, wrapPgErr("delete", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *pgStore) Search(ctx context.Context, name string, vector []float32, topK int, filter Filter, params SearchParams) ([]Hit, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	info, err := s.collectionInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	if !info.Loaded {
		return nil, fmt.Errorf("%w: %s", appErr.ErrCollectionNotLoaded, name)
	}
	if len(vector) != info.Dim {
		return nil, fmt.Errorf("%w: query has dim %d, collection %s wants %d",
			appErr.ErrDimensionMismatch, len(vector), name, info.Dim)
	}

	selectCols := make([]string, 0, len(info.Fields)+2)
	selectCols = append(selectCols, "id")
	for _, f := range info.Fields {
		selectCols = append(selectCols, f.Name)
	}
	selectCols = append(selectCols, "1 - (embedding <=> ?::vector) AS score")

	where, whereArgs := buildPgWhere(filter)
	args := []interface{}{pgvector.NewVector(vector)}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectCols, ", "), table)
	if where != "" {
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}
	query += " ORDER BY embedding <=> ?::vector LIMIT ?"
	args = append(args, pgvector.NewVector(vector), topK)
	query, args = dbutil.Finalize(query, args)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapPgErr("begin search tx", err)
	}
	defer tx.Rollback()
	if params.Ef > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", params.Ef)); err != nil {
			return nil, wrapPgErr("set ef_search", err)
		}
	}
	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPgErr("search", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		raw, err := rows.SliceScan()
		if err != nil {
			return nil, wrapPgErr("scan hit", err)
		}
		hit := Hit{ID: asInt64(raw[0]), Fields: map[string]interface{}{}}
		for i, f := range info.Fields {
			switch f.Type {
			case FieldTypeVarChar:
				hit.Fields[f.Name] = asString(raw[i+1])
			case FieldTypeInt64:
				hit.Fields[f.Name] = asInt64(raw[i+1])
			}
		}
		hit.Score = asFloat32(raw[len(raw)-1])
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr("iterate hits", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapPgErr("commit search tx", err)
	}
	return hits, nil
}

func (s *pgStore) Flush(ctx context.Context, name string) error {
	return nil
}

func (s *pgStore) RowCount(ctx context.Context, name string) (int64, error) {
	table, err := tableName(name)
	if err != nil {
		return 0, err
	}
	sqlStr, args, err := builder.BuildSelect(table, nil, []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var count int64
	if err := s.db.GetContext(ctx, &count, sqlStr, args...); err != nil {
		return 0, wrapPgErr("row count", err)
	}
	return count, nil
}

func (s *pgStore) DropCollection(ctx context.Context, name string) error {
	table, err := tableName(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return wrapPgErr("drop collection", err)
	}
	s.mu.Lock()
	delete(s.infos, table)
	s.mu.Unlock()
	return nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func (s *pgStore) cacheInfo(table string, info *CollectionInfo) {
	s.mu.Lock()
	s.infos[table] = info
	s.mu.Unlock()
}

func (s *pgStore) collectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	info := s.infos[table]
	s.mu.RUnlock()
	if info != nil {
		return info, nil
	}
	return s.DescribeCollection(ctx, name)
}

// buildPgWhere translates the structured filter to a SQL predicate with
// ?-style placeholders. Tag containment probes the JSON-encoded tags
// column the same way the other backends do.
func buildPgWhere(filter Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	for _, tag := range filter.TagsAll {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+likeEscape(tag)+`"%`)
	}
	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !identPattern.MatchString(k) {
			continue
		}
		clauses = append(clauses, k+" = ?")
		args = append(args, filter.Equals[k])
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asFloat32(v interface{}) float32 {
	switch f := v.(type) {
	case float64:
		return float32(f)
	case float32:
		return f
	case []byte:
		var out float64
		_, _ = fmt.Sscanf(string(f), "%g", &out)
		return float32(out)
	}
	return 0
}

func wrapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if dbutil.IsUndefinedTable(err) {
		return fmt.Errorf("%w: %s: %v", appErr.ErrNotFound, op, err)
	}
	if dbutil.IsConflict(err) {
		return fmt.Errorf("%w: %s: duplicate id: %v", appErr.ErrInvalid, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %s: %v", appErr.ErrConnectionUnavailable, op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}
