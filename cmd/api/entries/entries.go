// Package entries implements the directory listings. An entry is one
// person's contact row; name, extension, number and email are stored
// encrypted, with a name hash for uniqueness. Every mutation advances the
// singleton update marker clients use to detect a stale directory cache.
package entries

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/departments"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
)

var (
	extensionRe = regexp.MustCompile(`^[0-9]+$`)
	numberRe    = regexp.MustCompile(`^[0-9+\-() ]+$`)
	emailRe     = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Entry is the full authenticated projection.
type Entry struct {
	ID              int64   `json:"id"`
	AccountID       *int64  `json:"account_id,omitempty"`
	Name            string  `json:"name"`
	Extension       string  `json:"extension"`
	Number          string  `json:"number"`
	Email           string  `json:"email"`
	Show            bool    `json:"show"`
	DepartmentID    *int64  `json:"department_id"`
	SubdepartmentID *int64  `json:"subdepartment_id"`
	Department      *string `json:"department,omitempty"`
	Subdepartment   *string `json:"subdepartment,omitempty"`
	Version         int     `json:"version"`
	HasOpenTicket   bool    `json:"has_open_ticket,omitempty"`
}

// PublicEntry is the anonymous projection: no name, no email, no hidden rows.
type PublicEntry struct {
	Extension     string  `json:"extension"`
	Number        string  `json:"number"`
	Department    string  `json:"department"`
	Subdepartment *string `json:"subdepartment,omitempty"`
}

type entryReq struct {
	AccountID       *int64 `json:"account_id"`
	Name            string `json:"name" binding:"required,min=1,max=160"`
	Extension       string `json:"extension" binding:"required"`
	Number          string `json:"number" binding:"required"`
	Email           string `json:"email" binding:"required"`
	Show            *bool  `json:"show" binding:"required"`
	DepartmentID    *int64 `json:"department_id"`
	SubdepartmentID *int64 `json:"subdepartment_id"`
	Version         *int   `json:"version"`
}

func (in *entryReq) fieldErrors() map[string]string {
	return ValidateContact(in.Extension, in.Number, in.Email)
}

// ValidateContact checks the contact field formats shared by entries and the
// account-linked directory data. Returns field errors, or nil.
func ValidateContact(extension, number, email string) map[string]string {
	errs := map[string]string{}
	if !extensionRe.MatchString(extension) {
		errs["extension"] = "digits only"
	}
	if !numberRe.MatchString(number) {
		errs["number"] = "invalid phone"
	}
	if !emailRe.MatchString(email) {
		errs["email"] = "invalid email"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// PublicList serves the anonymous directory: only visible rows with a
// department, and never names or emails.
func PublicList(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		rows, err := a.DB.Query(ctx, `
            select e.extension_enc, e.number_enc, d.name_enc, s.name_enc
            from entries e
            join departments d on d.id = e.department_id
            left join subdepartments s on s.id = e.subdepartment_id
            where e.show = true and e.department_id is not null`)
		if err != nil {
			app.Internal(c, err)
			return
		}
		defer rows.Close()
		out := []PublicEntry{}
		for rows.Next() {
			var extEnc, numEnc, depEnc string
			var subEnc *string
			if err := rows.Scan(&extEnc, &numEnc, &depEnc, &subEnc); err != nil {
				app.Internal(c, err)
				return
			}
			var e PublicEntry
			if e.Extension, err = a.Crypto.Decrypt(extEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if e.Number, err = a.Crypto.Decrypt(numEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if e.Department, err = a.Crypto.Decrypt(depEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if subEnc != nil {
				if name, err := a.Crypto.Decrypt(*subEnc); err == nil {
					e.Subdepartment = &name
				}
			}
			out = append(out, e)
		}
		c.JSON(http.StatusOK, out)
	}
}

const listQuery = `
    select e.id, e.account_id, e.name_enc, e.extension_enc, e.number_enc, e.email_enc,
           e.show, e.department_id, e.subdepartment_id, e.version, d.name_enc, s.name_enc,
           exists(select 1 from tickets t where t.entry_id = e.id and t.status <> 'RESOLVED')
    from entries e
    left join departments d on d.id = e.department_id
    left join subdepartments s on s.id = e.subdepartment_id`

func scanEntries(a *app.App, c *gin.Context, query string, args ...any) ([]Entry, error) {
	rows, err := a.DB.Query(c.Request.Context(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var nameEnc, extEnc, numEnc, mailEnc string
		var depEnc, subEnc *string
		if err := rows.Scan(&e.ID, &e.AccountID, &nameEnc, &extEnc, &numEnc, &mailEnc,
			&e.Show, &e.DepartmentID, &e.SubdepartmentID, &e.Version, &depEnc, &subEnc, &e.HasOpenTicket); err != nil {
			return nil, err
		}
		if e.Name, err = a.Crypto.Decrypt(nameEnc); err != nil {
			return nil, err
		}
		e.Extension, _ = a.Crypto.Decrypt(extEnc)
		e.Number, _ = a.Crypto.Decrypt(numEnc)
		e.Email, _ = a.Crypto.Decrypt(mailEnc)
		if depEnc != nil {
			if name, err := a.Crypto.Decrypt(*depEnc); err == nil {
				e.Department = &name
			}
		}
		if subEnc != nil {
			if name, err := a.Crypto.Decrypt(*subEnc); err == nil {
				e.Subdepartment = &name
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns every entry with decrypted fields for authenticated staff.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := scanEntries(a, c, listQuery)
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// ListByDepartment returns one department's entries, each flagged when an
// unresolved ticket points at it so the UI can badge pending corrections.
func ListByDepartment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := scanEntries(a, c, listQuery+` where e.department_id = $1`, c.Param("id"))
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// UpdateMarker reports the singleton directory version so clients can detect
// a stale cache with one cheap call.
func UpdateMarker(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var date time.Time
		var version int
		if err := a.DB.QueryRow(c.Request.Context(), `select date, version from directory_update where id=1`).Scan(&date, &version); err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": date, "version": version})
	}
}

// BumpMarker advances the singleton marker. Called by every entry mutation;
// failures are logged, a directory write must not fail on the marker.
func BumpMarker(a *app.App, c *gin.Context) {
	_, err := a.DB.Exec(c.Request.Context(),
		`update directory_update set date=now(), version=(version+1) % 100001 where id=1`)
	if err != nil {
		log.Ctx(c.Request.Context()).Error().Err(err).Msg("bump update marker")
	}
}

// Create validates and inserts a directory entry.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in entryReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing required fields", app.FieldErrors(err))
			return
		}
		if errs := in.fieldErrors(); errs != nil {
			app.Validation(c, "invalid entry fields", errs)
			return
		}
		fieldErrs, err := departments.CheckLinkage(c, a, in.DepartmentID, in.SubdepartmentID)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if fieldErrs != nil {
			app.Validation(c, "invalid department linkage", fieldErrs)
			return
		}
		ctx := c.Request.Context()
		hash := fieldcrypt.Hash(in.Name)
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where name_hash=$1)`, hash).Scan(&exists); err != nil {
			app.Internal(c, err)
			return
		}
		if exists {
			app.Validation(c, "entry name already exists", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		extEnc, _ := a.Crypto.Encrypt(in.Extension)
		numEnc, _ := a.Crypto.Encrypt(in.Number)
		mailEnc, _ := a.Crypto.Encrypt(in.Email)
		var id int64
		err = a.DB.QueryRow(ctx, `
            insert into entries (account_id, name_enc, name_hash, extension_enc, number_enc, email_enc, show, department_id, subdepartment_id)
            values ($1,$2,$3,$4,$5,$6,$7,$8,$9) returning id`,
			in.AccountID, nameEnc, hash, extEnc, numEnc, mailEnc, *in.Show, in.DepartmentID, in.SubdepartmentID).Scan(&id)
		if err != nil {
			app.Internal(c, err)
			return
		}
		BumpMarker(a, c)
		a.Logs.Info("entry created: " + in.Name)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Update replaces an entry's fields under optimistic concurrency: the
// submitted version must match the stored one or nothing changes.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in entryReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing required fields", nil)
			return
		}
		if in.Version == nil {
			app.Validation(c, "version required", map[string]string{"version": "required"})
			return
		}
		if errs := in.fieldErrors(); errs != nil {
			app.Validation(c, "invalid entry fields", errs)
			return
		}
		fieldErrs, err := departments.CheckLinkage(c, a, in.DepartmentID, in.SubdepartmentID)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if fieldErrs != nil {
			app.Validation(c, "invalid department linkage", fieldErrs)
			return
		}
		ctx := c.Request.Context()
		hash := fieldcrypt.Hash(in.Name)
		var clash bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where name_hash=$1 and id<>$2)`, hash, c.Param("id")).Scan(&clash); err != nil {
			app.Internal(c, err)
			return
		}
		if clash {
			app.Validation(c, "entry name already exists", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		extEnc, _ := a.Crypto.Encrypt(in.Extension)
		numEnc, _ := a.Crypto.Encrypt(in.Number)
		mailEnc, _ := a.Crypto.Encrypt(in.Email)
		tag, err := a.DB.Exec(ctx, `
            update entries set name_enc=$1, name_hash=$2, extension_enc=$3, number_enc=$4, email_enc=$5,
                   show=$6, department_id=$7, subdepartment_id=$8,
                   version=(version+1) % 100001
            where id=$9 and version=$10`,
			nameEnc, hash, extEnc, numEnc, mailEnc, *in.Show, in.DepartmentID, in.SubdepartmentID,
			c.Param("id"), *in.Version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where id=$1)`, c.Param("id")).Scan(&exists); err != nil {
				app.Internal(c, err)
				return
			}
			if !exists {
				app.NotFound(c, "entry not found")
				return
			}
			app.VersionConflict(c)
			return
		}
		BumpMarker(a, c)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes an entry. The caller passes the current version as a query
// parameter; a stale one is rejected, same as updates.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := strconv.Atoi(c.Query("version"))
		if err != nil {
			app.Validation(c, "version required", map[string]string{"version": "required"})
			return
		}
		ctx := c.Request.Context()
		tag, err := a.DB.Exec(ctx, `delete from entries where id=$1 and version=$2`, c.Param("id"), version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where id=$1)`, c.Param("id")).Scan(&exists); err != nil {
				app.Internal(c, err)
				return
			}
			if !exists {
				app.NotFound(c, "entry not found")
				return
			}
			app.VersionConflict(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
