// Package supabasetest serves PostgREST table requests from memory so the
// Supabase drivers can be exercised without a database.
package supabasetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creastat/usersync/supabase"
)

const restPrefix = "/rest/v1/"

// Server evaluates eq, gt, gte, lt and lte filters against in-memory tables.
// Every table is keyed by its user_id column, which plays the primary key.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	tables   map[string][]map[string]any
	fail     *failure
	hang     bool
	requests int
	stop     chan struct{}
}

type failure struct {
	status  int
	code    string
	message string
}

// NewServer starts a server that is shut down when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		tables: make(map[string][]map[string]any),
		stop:   make(chan struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		close(s.stop)
		s.srv.Close()
	})
	return s
}

// Client returns a Supabase client pointed at the server.
func (s *Server) Client(t testing.TB, timeout time.Duration) *supabase.Client {
	t.Helper()

	c, err := supabase.New(supabase.Config{URL: s.srv.URL, APIKey: "test-key", Timeout: timeout})
	if err != nil {
		t.Fatalf("failed to create supabase client: %v", err)
	}
	return c
}

// FailWith makes every following request answer status with a PostgREST
// error body. A zero status clears the failure.
func (s *Server) FailWith(status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.fail = nil
		return
	}
	s.fail = &failure{status: status, code: code, message: message}
}

// Hang makes every following request block until the test ends.
func (s *Server) Hang() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hang = true
}

// Rows returns a copy of table's rows.
func (s *Server) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

// SetRow stores row in table, replacing any row with the same user_id.
func (s *Server) SetRow(table string, row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	for i, existing := range rows {
		if existing["user_id"] == row["user_id"] {
			rows[i] = copyRow(row)
			return
		}
	}
	s.tables[table] = append(rows, copyRow(row))
}

// Requests is the number of requests served so far.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	hang := s.hang
	s.mu.Unlock()

	if hang {
		select {
		case <-s.stop:
		case <-r.Context().Done():
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		writeError(w, s.fail.status, s.fail.code, s.fail.message)
		return
	}

	table, ok := strings.CutPrefix(r.URL.Path, restPrefix)
	if !ok || table == "" {
		writeError(w, http.StatusNotFound, "PGRST125", "invalid path "+r.URL.Path)
		return
	}

	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST100", err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeRows(w, http.StatusOK, s.match(table, filters))
	case http.MethodPost:
		s.insert(w, r, table)
	case http.MethodPatch:
		s.update(w, r, table, filters)
	case http.MethodDelete:
		s.remove(w, table, filters)
	default:
		writeError(w, http.StatusMethodNotAllowed, "PGRST117", "unsupported method "+r.Method)
	}
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request, table string) {
	var body any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", err.Error())
		return
	}

	var rows []map[string]any
	switch v := body.(type) {
	case map[string]any:
		rows = append(rows, v)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
	}

	for _, row := range rows {
		for _, existing := range s.tables[table] {
			if existing["user_id"] == row["user_id"] {
				writeError(w, http.StatusConflict, "23505",
					fmt.Sprintf(`duplicate key value violates unique constraint "%s_pkey"`, table))
				return
			}
		}
	}
	s.tables[table] = append(s.tables[table], rows...)
	writeRows(w, http.StatusCreated, rows)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, table string, filters []filter) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", err.Error())
		return
	}

	updated := []map[string]any{}
	for _, row := range s.tables[table] {
		if !matches(row, filters) {
			continue
		}
		for k, v := range patch {
			row[k] = v
		}
		updated = append(updated, copyRow(row))
	}
	writeRows(w, http.StatusOK, updated)
}

func (s *Server) remove(w http.ResponseWriter, table string, filters []filter) {
	kept := s.tables[table][:0]
	deleted := []map[string]any{}
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			deleted = append(deleted, row)
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	writeRows(w, http.StatusOK, deleted)
}

func (s *Server) match(table string, filters []filter) []map[string]any {
	out := []map[string]any{}
	for _, row := range s.tables[table] {
		if matches(row, filters) {
			out = append(out, copyRow(row))
		}
	}
	return out
}

type filter struct {
	column string
	op     string
	value  string
}

// reserved query parameters that are not column filters.
var reserved = map[string]bool{
	"select":      true,
	"limit":       true,
	"offset":      true,
	"order":       true,
	"on_conflict": true,
	"columns":     true,
}

func parseFilters(r *http.Request) ([]filter, error) {
	var filters []filter
	for column, values := range r.URL.Query() {
		if reserved[column] {
			continue
		}
		for _, v := range values {
			op, value, ok := strings.Cut(v, ".")
			if !ok {
				return nil, fmt.Errorf("malformed filter %s=%s", column, v)
			}
			switch op {
			case "eq", "gt", "gte", "lt", "lte":
			default:
				return nil, fmt.Errorf("unsupported operator %q", op)
			}
			filters = append(filters, filter{column: column, op: op, value: value})
		}
	}
	return filters, nil
}

func matches(row map[string]any, filters []filter) bool {
	for _, f := range filters {
		v, ok := row[f.column]
		if !ok {
			return false
		}
		c := compare(fmt.Sprint(v), f.value)
		switch f.op {
		case "eq":
			ok = c == 0
		case "gt":
			ok = c > 0
		case "gte":
			ok = c >= 0
		case "lt":
			ok = c < 0
		case "lte":
			ok = c <= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// compare orders timestamptz values by instant and everything else as text.
func compare(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func writeRows(w http.ResponseWriter, status int, rows []map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
