package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/snorkel/internal/cache"
	"github.com/dreamware/snorkel/internal/cluster"
	"github.com/dreamware/snorkel/internal/coordinator"
	"github.com/dreamware/snorkel/internal/exec"
	"github.com/dreamware/snorkel/internal/plan"
	"github.com/dreamware/snorkel/internal/registry"
	"github.com/dreamware/snorkel/internal/snorkelerr"
	"github.com/dreamware/snorkel/internal/sql/parser"
	"github.com/dreamware/snorkel/internal/table"
	"github.com/dreamware/snorkel/internal/value"
)

// defaultQueryTimeout bounds how long a single query may run.
const defaultQueryTimeout = 30 * time.Second

// defaultCacheTTL is the TTL given to every cached query result.
const defaultCacheTTL = 5 * time.Second

// server is the thin HTTP adapter over the core packages: it contains
// no business logic, only request decoding, core calls, and response
// encoding.
type server struct {
	registry *registry.Registry
	cache    *cache.Cache
	peers    []cluster.Peer
	nodeID   string
}

func newServer(nodeID string, peers []cluster.Peer) *server {
	return &server{
		registry: registry.New(),
		cache:    cache.New(1024),
		peers:    peers,
		nodeID:   nodeID,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tables", s.handleTables)
	mux.HandleFunc("/tables/", s.handleTableByName)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/internal/partial", s.handleInternalPartial)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tableSummary struct {
	Name        string `json:"name"`
	RowCount    int    `json:"row_count"`
	MemoryBytes int    `json:"memory_bytes"`
	ShardCount  int    `json:"shard_count"`
}

func (s *server) handleTables(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tables := s.registry.List()
		out := make([]tableSummary, 0, len(tables))
		for _, t := range tables {
			info := t.Info()
			out = append(out, tableSummary{Name: info.Name, RowCount: info.RowCount, MemoryBytes: info.MemoryBytes, ShardCount: info.ShardCount})
		}
		writeJSON(w, http.StatusOK, map[string]any{"tables": out})

	case http.MethodPost:
		var req struct {
			Name       string `json:"name"`
			TTLSeconds int    `json:"ttl_seconds"`
			MaxRows    int    `json:"max_rows"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, snorkelerr.New(snorkelerr.ParseError, "invalid JSON body"))
			return
		}
		cfg := table.Config{MaxRows: req.MaxRows}
		if req.TTLSeconds > 0 {
			cfg.TTL = time.Duration(req.TTLSeconds) * time.Second
		}
		t, err := s.registry.Create(req.Name, cfg)
		if err != nil {
			// Create fails only when the name is already taken.
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		s.cache.Register(req.Name, t)
		t.StartReaper(context.Background())
		writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleTableByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tables/")
	name, sub, hasSub := strings.Cut(rest, "/")

	if hasSub && sub == "schema" {
		t, err := s.registry.Get(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, schemaResponse(t))
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.registry.Drop(name); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
}

type columnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func schemaResponse(t *table.Table) map[string]any {
	sch := t.Schema()
	cols := make([]columnInfo, 0, len(sch.Fields()))
	for _, f := range sch.Fields() {
		cols = append(cols, columnInfo{Name: f.Name, Type: f.Type.String(), Nullable: f.Name != table.TimestampColumn})
	}
	return map[string]any{"columns": cols}
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Table string                   `json:"table"`
		Rows  []map[string]interface{} `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, snorkelerr.New(snorkelerr.ParseError, "invalid JSON body"))
		return
	}
	t, err := s.registry.Get(req.Table)
	if err != nil {
		writeError(w, err)
		return
	}

	rows := make([]map[string]value.Value, len(req.Rows))
	for i, raw := range req.Rows {
		rows[i] = flatten(raw, "")
	}
	res := t.IngestBatch(rows)

	errs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{"inserted": res.Inserted, "errors": errs})
}

// flatten turns a nested JSON object into dotted column names
// (`{"a":{"b":1}}` becomes column `a.b`). JSON arrays are
// stored as their literal JSON text in a String column.
func flatten(obj map[string]interface{}, prefix string) map[string]value.Value {
	out := make(map[string]value.Value)
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			for fk, fv := range flatten(vv, name) {
				out[fk] = fv
			}
		case nil:
			out[name] = value.Nil()
		case bool:
			out[name] = value.FromBool(vv)
		case float64:
			if name == table.TimestampColumn {
				out[name] = value.FromTimestamp(int64(vv))
			} else if vv == float64(int64(vv)) {
				out[name] = value.FromInt64(int64(vv))
			} else {
				out[name] = value.FromFloat64(vv)
			}
		case string:
			out[name] = value.FromString(vv)
		default:
			b, _ := json.Marshal(vv)
			out[name] = value.FromString(string(b))
		}
	}
	return out
}

type queryResponse struct {
	Columns       []string        `json:"columns"`
	Rows          [][]interface{} `json:"rows"`
	MissingPeers  []string        `json:"missing_peers,omitempty"`
	RowCount      int             `json:"row_count"`
	RowsScanned   int             `json:"rows_scanned"`
	ExecutionMS   int64           `json:"execution_time_ms"`
	Partial       bool            `json:"partial,omitempty"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SQL string `json:"sql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, snorkelerr.New(snorkelerr.ParseError, "invalid JSON body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultQueryTimeout)
	defer cancel()

	start := time.Now()
	fr, degraded, missing, err := s.runQuery(ctx, req.SQL)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := queryResponse{
		Columns:      fr.Columns,
		RowCount:     len(fr.Rows),
		RowsScanned:  fr.RowsScanned,
		ExecutionMS:  time.Since(start).Milliseconds(),
		Partial:      degraded,
		MissingPeers: missing,
	}
	resp.Rows = make([][]interface{}, len(fr.Rows))
	for i, row := range fr.Rows {
		resp.Rows[i] = toJSONRow(row)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toJSONRow(row exec.Row) []interface{} {
	out := make([]interface{}, len(row))
	for i, v := range row {
		out[i] = jsonValue(v)
	}
	return out
}

func jsonValue(v value.Value) interface{} {
	switch v.Typ {
	case value.Int64, value.Timestamp:
		return v.I64
	case value.Float64:
		return v.F64
	case value.String:
		return v.Str
	case value.Bool:
		return v.Bool
	default:
		return nil
	}
}

// runQuery parses, plans, checks the cache, executes locally and
// across peers, and finalizes — the full pipeline shared by /query and
// the single-flighted cache path.
func (s *server) runQuery(ctx context.Context, sql string) (*exec.FinalResult, bool, []string, error) {
	q, perr := parser.New(sql).Parse()
	if perr != nil {
		pe, _ := perr.(parser.ParseError)
		return nil, false, nil, snorkelerr.Parse(pe.Pos, pe.Expected, pe.Got)
	}

	t, err := s.registry.Get(q.From)
	if err != nil {
		return nil, false, nil, err
	}
	pl, err := plan.Build(q, t.Schema())
	if err != nil {
		return nil, false, nil, err
	}

	key := cache.Fingerprint(sql)
	var degraded bool
	var missing []string

	fr, err := s.cache.GetOrCompute(key, defaultCacheTTL, []string{q.From}, func() (*exec.FinalResult, error) {
		local, err := exec.Run(ctx, pl, t.Shards())
		if err != nil {
			return nil, err
		}
		merged := local
		if len(s.peers) > 0 {
			res, err := coordinator.Fanout(ctx, s.peers, sql, local)
			if err != nil {
				return nil, err
			}
			merged = res.Partial
			degraded = res.Degraded
			missing = res.MissingPeers
		}
		return exec.Finalize(pl, merged)
	})
	if err != nil {
		return nil, false, nil, err
	}
	return fr, degraded, missing, nil
}

func (s *server) handleInternalPartial(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cluster.PartialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, cluster.PartialResponse{Error: "invalid JSON body"})
		return
	}

	q, perr := parser.New(req.SQL).Parse()
	if perr != nil {
		writeJSON(w, http.StatusOK, cluster.PartialResponse{Error: perr.Error()})
		return
	}
	t, err := s.registry.Get(q.From)
	if err != nil {
		writeJSON(w, http.StatusOK, cluster.PartialResponse{Error: err.Error()})
		return
	}
	pl, err := plan.Build(q, t.Schema())
	if err != nil {
		writeJSON(w, http.StatusOK, cluster.PartialResponse{Error: err.Error()})
		return
	}
	partial, err := exec.Run(r.Context(), pl, t.Shards())
	if err != nil {
		writeJSON(w, http.StatusOK, cluster.PartialResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cluster.PartialResponse{Partial: partial, RowsScanned: partial.RowsScanned})
}

func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	tables := s.registry.List()
	out := make(map[string]any, len(tables))
	for _, t := range tables {
		st := t.Stats()
		out[t.Name] = map[string]any{
			"rows_ingested": st.RowsIngested,
			"row_errors":    st.RowErrors,
			"generation":    st.Generation,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": s.nodeID, "tables": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	se, ok := err.(*snorkelerr.Error)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, statusForKind(se.Kind), map[string]string{"error": se.Error()})
}

func statusForKind(k snorkelerr.Kind) int {
	switch k {
	case snorkelerr.ParseError, snorkelerr.TypeMismatch, snorkelerr.SchemaMismatch, snorkelerr.NonAggregatedColumn:
		return http.StatusBadRequest
	case snorkelerr.UnknownTable, snorkelerr.UnknownColumn:
		return http.StatusNotFound
	case snorkelerr.ResourceLimit:
		return http.StatusServiceUnavailable
	case snorkelerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
