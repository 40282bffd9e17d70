// Package tickets implements directory correction requests. Creation
// notifies the administrators over the job queue (best effort) and every
// status transition lands in the columnar audit log.
package tickets

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/auth"
	"github.com/ayto-intranet/phonebook-go/cmd/api/metrics"
	"github.com/ayto-intranet/phonebook-go/internal/logfiles"
)

// Ticket statuses.
const (
	StatusOpen     = "OPEN"
	StatusRead     = "READ"
	StatusWarned   = "WARNED"
	StatusResolved = "RESOLVED"
)

// Ticket is the joined listing projection.
type Ticket struct {
	ID            int64      `json:"id"`
	Topic         string     `json:"topic"`
	Information   string     `json:"information"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ReadAt        *time.Time `json:"read_at"`
	WarnedAt      *time.Time `json:"warned_at"`
	ResolvedAt    *time.Time `json:"resolved_at"`
	EntryID       *int64     `json:"entry_id"`
	Requester     string     `json:"requester,omitempty"`
	Resolver      string     `json:"resolver,omitempty"`
	EntryName     string     `json:"entry_name,omitempty"`
	Department    *string    `json:"department,omitempty"`
	Subdepartment *string    `json:"subdepartment,omitempty"`
}

type createReq struct {
	Topic       string `json:"topic" binding:"required,min=3,max=200"`
	Information string `json:"information"`
	EntryID     *int64 `json:"entry_id" binding:"required"`
}

type markAsReq struct {
	IDs      []int64 `json:"ids" binding:"required,min=1"`
	Read     bool    `json:"read"`
	Warned   bool    `json:"warned"`
	Resolved bool    `json:"resolved"`
}

// Create opens a ticket against a directory entry. The admin notification is
// queued best effort; a queue failure never fails the create.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "topic and entry_id required", nil)
			return
		}
		ctx := c.Request.Context()
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where id=$1)`, *in.EntryID).Scan(&exists); err != nil {
			app.Internal(c, err)
			return
		}
		if !exists {
			app.Validation(c, "affected entry does not exist", map[string]string{"entry_id": "unknown"})
			return
		}
		principal, _ := auth.Principal(c)
		var id int64
		err := a.DB.QueryRow(ctx, `
            insert into tickets (topic, information, status, requester_id, entry_id)
            values ($1,$2,'OPEN',$3,$4) returning id`,
			in.Topic, in.Information, principal.ID, *in.EntryID).Scan(&id)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if a.Audit != nil {
			if err := a.Audit.Append(id, logfiles.AuditCreate, principal.ID); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("audit append")
			}
		}
		metrics.TicketsCreatedTotal.Inc()
		notifyAdmins(c, a, id, in.Topic, in.Information)
		a.Logs.Info("ticket created: " + in.Topic)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// notifyAdmins queues one mail job per admin address. Failures are logged
// and swallowed.
func notifyAdmins(c *gin.Context, a *app.App, ticketID int64, topic, information string) {
	if a.Q == nil {
		return
	}
	ctx := c.Request.Context()
	rows, err := a.DB.Query(ctx, `select mail from accounts where usertype in ('ADMIN','SUPERADMIN') and mail is not null and mail <> ''`)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("query admin mails")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("scan admin mail")
			return
		}
		job := struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{
			Type: "send_email",
			Data: struct {
				To       string `json:"to"`
				Template string `json:"template"`
				Data     any    `json:"data"`
			}{to, "ticket_created", gin.H{"TicketID": ticketID, "Topic": topic, "Information": information}},
		}
		b, err := json.Marshal(job)
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("marshal mail job")
			return
		}
		if err := a.Q.RPush(ctx, "jobs", b).Err(); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("enqueue mail job")
		}
	}
}

// MarkAs applies one status to a batch of tickets. The highest supplied flag
// wins (resolved over warned over read); no flags reopens the tickets with
// all timestamps cleared. Each applied transition gets an audit line.
func MarkAs(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in markAsReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "ids required", nil)
			return
		}
		principal, _ := auth.Principal(c)
		var sql, action string
		args := func(id int64) []any { return []any{id} }
		switch {
		case in.Resolved:
			sql = `update tickets set status='RESOLVED', resolved_at=now(), read_at=coalesce(read_at, now()), resolver_id=$2 where id=$1`
			action = logfiles.AuditResolve
			args = func(id int64) []any { return []any{id, principal.ID} }
		case in.Warned:
			sql = `update tickets set status='WARNED', warned_at=now() where id=$1`
			action = logfiles.AuditWarn
		case in.Read:
			sql = `update tickets set status='READ', read_at=now() where id=$1`
			action = logfiles.AuditRead
		default:
			sql = `update tickets set status='OPEN', read_at=null, warned_at=null, resolved_at=null, resolver_id=null where id=$1`
			action = logfiles.AuditReopen
		}
		ctx := c.Request.Context()
		updated := 0
		for _, id := range in.IDs {
			tag, err := a.DB.Exec(ctx, sql, args(id)...)
			if err != nil {
				app.Internal(c, err)
				return
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			updated++
			metrics.TicketsStatusChangedTotal.Inc()
			if a.Audit != nil {
				if err := a.Audit.Append(id, action, principal.ID); err != nil {
					log.Ctx(ctx).Error().Err(err).Msg("audit append")
				}
			}
		}
		if updated == 0 {
			app.NotFound(c, "no matching tickets")
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// List returns all tickets with requester/resolver usernames and the
// affected entry's name and department names resolved.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `
            select t.id, t.topic, t.information, t.status, t.created_at, t.read_at, t.warned_at, t.resolved_at,
                   t.entry_id, coalesce(rq.username,''), coalesce(rs.username,''), e.name_enc, d.name_enc, s.name_enc
            from tickets t
            left join accounts rq on rq.id = t.requester_id
            left join accounts rs on rs.id = t.resolver_id
            left join entries e on e.id = t.entry_id
            left join departments d on d.id = e.department_id
            left join subdepartments s on s.id = e.subdepartment_id
            order by t.created_at desc, t.id desc`)
		if err != nil {
			app.Internal(c, err)
			return
		}
		defer rows.Close()
		out := []Ticket{}
		for rows.Next() {
			var t Ticket
			var nameEnc, depEnc, subEnc *string
			if err := rows.Scan(&t.ID, &t.Topic, &t.Information, &t.Status, &t.CreatedAt,
				&t.ReadAt, &t.WarnedAt, &t.ResolvedAt, &t.EntryID,
				&t.Requester, &t.Resolver, &nameEnc, &depEnc, &subEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if nameEnc != nil {
				if name, err := a.Crypto.Decrypt(*nameEnc); err == nil {
					t.EntryName = name
				}
			}
			if depEnc != nil {
				if name, err := a.Crypto.Decrypt(*depEnc); err == nil {
					t.Department = &name
				}
			}
			if subEnc != nil {
				if name, err := a.Crypto.Decrypt(*subEnc); err == nil {
					t.Subdepartment = &name
				}
			}
			out = append(out, t)
		}
		c.JSON(http.StatusOK, out)
	}
}
