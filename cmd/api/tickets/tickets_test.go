package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	apppkg "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/auth"
	"github.com/ayto-intranet/phonebook-go/cmd/api/metrics"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
	"github.com/ayto-intranet/phonebook-go/internal/logfiles"
)

type fakeTicket struct {
	id          int64
	topic       string
	information string
	status      string
	createdAt   time.Time
	readAt      *time.Time
	warnedAt    *time.Time
	resolvedAt  *time.Time
	requesterID int64
	resolverID  *int64
	entryID     int64
}

type ticketsDB struct {
	nextID     int64
	tickets    map[int64]*fakeTicket
	entryIDs   map[int64]bool
	adminMails []string
}

func newTicketsDB() *ticketsDB {
	return &ticketsDB{tickets: map[int64]*fakeTicket{}, entryIDs: map[int64]bool{}}
}

type row struct {
	vals []any
	err  error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.vals, dest)
}

func assign(vals []any, dest []any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			*v = vals[i].(int64)
		case *string:
			*v = vals[i].(string)
		case *bool:
			*v = vals[i].(bool)
		case *time.Time:
			*v = vals[i].(time.Time)
		case **time.Time:
			if vals[i] == nil {
				*v = nil
			} else {
				x := vals[i].(time.Time)
				*v = &x
			}
		case **int64:
			if vals[i] == nil {
				*v = nil
			} else {
				x := vals[i].(int64)
				*v = &x
			}
		case **string:
			if vals[i] == nil {
				*v = nil
			} else {
				x := vals[i].(string)
				*v = &x
			}
		default:
			return fmt.Errorf("unhandled dest %T", d)
		}
	}
	return nil
}

func (db *ticketsDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	switch {
	case strings.Contains(sql, "from entries where id"):
		return row{vals: []any{db.entryIDs[args[0].(int64)]}}
	case strings.Contains(sql, "insert into tickets"):
		db.nextID++
		db.tickets[db.nextID] = &fakeTicket{
			id:          db.nextID,
			topic:       args[0].(string),
			information: args[1].(string),
			status:      StatusOpen,
			createdAt:   time.Now(),
			requesterID: args[2].(int64),
			entryID:     args[3].(int64),
		}
		return row{vals: []any{db.nextID}}
	}
	return row{err: pgx.ErrNoRows}
}

type listRows struct {
	rows [][]any
	i    int
}

func (r *listRows) Next() bool                                   { r.i++; return r.i <= len(r.rows) }
func (r *listRows) Scan(dest ...any) error                       { return assign(r.rows[r.i-1], dest) }
func (r *listRows) Close()                                       {}
func (r *listRows) Err() error                                   { return nil }
func (r *listRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *listRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *listRows) Values() ([]any, error)                       { return nil, nil }
func (r *listRows) RawValues() [][]byte                          { return nil }
func (r *listRows) Conn() *pgx.Conn                              { return nil }

func (db *ticketsDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	switch {
	case strings.Contains(sql, "select mail from accounts"):
		out := &listRows{}
		for _, m := range db.adminMails {
			out.rows = append(out.rows, []any{m})
		}
		return out, nil
	case strings.Contains(sql, "from tickets t"):
		out := &listRows{}
		for _, t := range db.tickets {
			var readAt, warnedAt, resolvedAt any
			if t.readAt != nil {
				readAt = *t.readAt
			}
			if t.warnedAt != nil {
				warnedAt = *t.warnedAt
			}
			if t.resolvedAt != nil {
				resolvedAt = *t.resolvedAt
			}
			out.rows = append(out.rows, []any{
				t.id, t.topic, t.information, t.status, t.createdAt,
				readAt, warnedAt, resolvedAt, t.entryID,
				"requester", "", nil, nil, nil,
			})
		}
		return out, nil
	}
	return &listRows{}, nil
}

func (db *ticketsDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	t, ok := db.tickets[args[0].(int64)]
	if !ok {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	now := time.Now()
	switch {
	case strings.Contains(sql, "status='RESOLVED'"):
		t.status = StatusResolved
		t.resolvedAt = &now
		if t.readAt == nil {
			t.readAt = &now
		}
		id := args[1].(int64)
		t.resolverID = &id
	case strings.Contains(sql, "status='WARNED'"):
		t.status = StatusWarned
		t.warnedAt = &now
	case strings.Contains(sql, "status='READ'"):
		t.status = StatusRead
		t.readAt = &now
	case strings.Contains(sql, "status='OPEN'"):
		t.status = StatusOpen
		t.readAt, t.warnedAt, t.resolvedAt, t.resolverID = nil, nil, nil, nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func resetCounters(t *testing.T) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.TicketsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "tickets_created_total"})
	metrics.TicketsStatusChangedTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "tickets_status_changed_total"})
	reg.MustRegister(metrics.TicketsCreatedTotal, metrics.TicketsStatusChangedTotal)
}

func newTestApp(t *testing.T, db apppkg.DB, q *redis.Client) (*apppkg.App, *logfiles.AuditLog) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	resetCounters(t)
	codec, err := fieldcrypt.New("test-key")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	dir := t.TempDir()
	logs, err := logfiles.New(dir)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	t.Cleanup(logs.Close)
	audit, err := logfiles.NewAuditLog(dir)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	return apppkg.NewApp(apppkg.Config{Env: "test"}, db, codec, logs, audit, q), audit
}

func as(acc auth.Account) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user", acc)
		c.Set("account_id", acc.ID)
	}
}

func do(t *testing.T, a *apppkg.App, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	a.R.ServeHTTP(rr, req)
	return rr
}

var worker = auth.Account{ID: 7, Username: "mlopez", Usertype: auth.RoleWorker}

func TestCreateTicket(t *testing.T) {
	srv := miniredis.RunT(t)
	q := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	db := newTicketsDB()
	db.entryIDs[4] = true
	db.adminMails = []string{"admin@ayto.es", "root@ayto.es"}
	a, audit := newTestApp(t, db, q)
	a.R.POST("/tickets", as(worker), Create(a))

	rr := do(t, a, http.MethodPost, "/tickets", `{"topic":"Error en extensión","information":"La extensión 2101 ya no existe","entry_id":4}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	tk := db.tickets[1]
	if tk == nil || tk.status != StatusOpen || tk.requesterID != worker.ID {
		t.Fatalf("unexpected persisted ticket: %+v", tk)
	}

	b, err := audit.Read()
	if err != nil {
		t.Fatalf("audit read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], logfiles.AuditCreate) {
		t.Fatalf("expected header plus CREATE line, got %q", string(b))
	}

	jobs, err := q.LRange(context.Background(), "jobs", 0, -1).Result()
	if err != nil || len(jobs) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d err %v", len(jobs), err)
	}
	var job struct {
		Type string `json:"type"`
		Data struct {
			To       string `json:"to"`
			Template string `json:"template"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(jobs[0]), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Type != "send_email" || job.Data.Template != "ticket_created" || job.Data.To != "admin@ayto.es" {
		t.Fatalf("unexpected job: %+v", job)
	}

	if v := testutil.ToFloat64(metrics.TicketsCreatedTotal); v != 1 {
		t.Fatalf("expected created counter 1, got %v", v)
	}
}

// A dead queue must not fail ticket creation.
func TestCreateSurvivesQueueFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	q := redis.NewClient(&redis.Options{Addr: addr})
	db := newTicketsDB()
	db.entryIDs[4] = true
	db.adminMails = []string{"admin@ayto.es"}
	a, _ := newTestApp(t, db, q)
	a.R.POST("/tickets", as(worker), Create(a))

	rr := do(t, a, http.MethodPost, "/tickets", `{"topic":"Error en extensión","entry_id":4}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite queue failure, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateUnknownEntry(t *testing.T) {
	a, _ := newTestApp(t, newTicketsDB(), nil)
	a.R.POST("/tickets", as(worker), Create(a))
	if rr := do(t, a, http.MethodPost, "/tickets", `{"topic":"Cualquier cosa","entry_id":99}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMarkAsResolveAndReopen(t *testing.T) {
	db := newTicketsDB()
	db.tickets[1] = &fakeTicket{id: 1, status: StatusOpen, createdAt: time.Now()}
	db.nextID = 1
	a, audit := newTestApp(t, db, nil)
	resolver := auth.Account{ID: 9, Username: "admin", Usertype: auth.RoleAdmin}
	a.R.PUT("/tickets/markas", as(resolver), MarkAs(a))

	rr := do(t, a, http.MethodPut, "/tickets/markas", `{"ids":[1],"resolved":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	tk := db.tickets[1]
	if tk.status != StatusResolved || tk.resolvedAt == nil || tk.readAt == nil {
		t.Fatalf("resolve must stamp resolved_at and read_at: %+v", tk)
	}
	if tk.resolverID == nil || *tk.resolverID != resolver.ID {
		t.Fatalf("resolver not recorded: %+v", tk)
	}

	rr = do(t, a, http.MethodPut, "/tickets/markas", `{"ids":[1]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("reopen: expected 200, got %d", rr.Code)
	}
	if tk.status != StatusOpen || tk.readAt != nil || tk.warnedAt != nil || tk.resolvedAt != nil {
		t.Fatalf("reopen must clear timestamps: %+v", tk)
	}

	b, _ := audit.Read()
	if !strings.Contains(string(b), logfiles.AuditResolve) || !strings.Contains(string(b), logfiles.AuditReopen) {
		t.Fatalf("expected RESOLVE and REOPEN audit lines, got %q", string(b))
	}
	if v := testutil.ToFloat64(metrics.TicketsStatusChangedTotal); v != 2 {
		t.Fatalf("expected status counter 2, got %v", v)
	}
}

// resolved outranks warned outranks read when several flags arrive together.
func TestMarkAsPrecedence(t *testing.T) {
	db := newTicketsDB()
	db.tickets[1] = &fakeTicket{id: 1, status: StatusOpen, createdAt: time.Now()}
	a, _ := newTestApp(t, db, nil)
	a.R.PUT("/tickets/markas", as(worker), MarkAs(a))

	if rr := do(t, a, http.MethodPut, "/tickets/markas", `{"ids":[1],"read":true,"warned":true,"resolved":true}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if db.tickets[1].status != StatusResolved {
		t.Fatalf("expected RESOLVED, got %s", db.tickets[1].status)
	}
}

func TestMarkAsMissing(t *testing.T) {
	a, _ := newTestApp(t, newTicketsDB(), nil)
	a.R.PUT("/tickets/markas", as(worker), MarkAs(a))
	if rr := do(t, a, http.MethodPut, "/tickets/markas", `{"ids":[42],"read":true}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListProjection(t *testing.T) {
	db := newTicketsDB()
	now := time.Now()
	db.tickets[1] = &fakeTicket{
		id: 1, topic: "Error", information: "detalle", status: StatusRead,
		createdAt: now, readAt: &now, requesterID: 7, entryID: 4,
	}
	a, _ := newTestApp(t, db, nil)
	a.R.GET("/tickets", as(worker), List(a))

	rr := do(t, a, http.MethodGet, "/tickets", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out []Ticket
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(out))
	}
	tk := out[0]
	if tk.Status != StatusRead || tk.ReadAt == nil || tk.WarnedAt != nil {
		t.Fatalf("unexpected projection: %+v", tk)
	}
	if tk.Requester != "requester" {
		t.Fatalf("requester username not joined: %+v", tk)
	}
}
