// Package departments implements CRUD for departments and their
// subdepartments. Names are confidential: stored encrypted with a hash
// companion that backs uniqueness and lookups.
package departments

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
)

type Department struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Subdepartments []Subdepartment `json:"subdepartments,omitempty"`
}

type Subdepartment struct {
	ID           int64  `json:"id"`
	DepartmentID int64  `json:"department_id"`
	Name         string `json:"name"`
}

type nameReq struct {
	Name string `json:"name" binding:"required,min=1,max=120"`
}

// List returns all departments; ?nested=true includes their subdepartments.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		rows, err := a.DB.Query(ctx, `select id, name_enc from departments`)
		if err != nil {
			app.Internal(c, err)
			return
		}
		defer rows.Close()
		out := []Department{}
		for rows.Next() {
			var d Department
			var nameEnc string
			if err := rows.Scan(&d.ID, &nameEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if d.Name, err = a.Crypto.Decrypt(nameEnc); err != nil {
				app.Internal(c, err)
				return
			}
			out = append(out, d)
		}
		if c.Query("nested") == "true" {
			srows, err := a.DB.Query(ctx, `select id, department_id, name_enc from subdepartments`)
			if err != nil {
				app.Internal(c, err)
				return
			}
			defer srows.Close()
			byDep := map[int64][]Subdepartment{}
			for srows.Next() {
				var s Subdepartment
				var nameEnc string
				if err := srows.Scan(&s.ID, &s.DepartmentID, &nameEnc); err != nil {
					app.Internal(c, err)
					return
				}
				if s.Name, err = a.Crypto.Decrypt(nameEnc); err != nil {
					app.Internal(c, err)
					return
				}
				byDep[s.DepartmentID] = append(byDep[s.DepartmentID], s)
			}
			for i := range out {
				out[i].Subdepartments = byDep[out[i].ID]
			}
		}
		// Ciphertext order is meaningless, so present alphabetically.
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		c.JSON(http.StatusOK, out)
	}
}

// Create inserts a department, rejecting duplicate names via the hash column.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in nameReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "name required", map[string]string{"name": "required"})
			return
		}
		ctx := c.Request.Context()
		hash := fieldcrypt.Hash(in.Name)
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from departments where name_hash=$1)`, hash).Scan(&exists); err != nil {
			app.Internal(c, err)
			return
		}
		if exists {
			app.Validation(c, "department name already exists", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		var id int64
		if err := a.DB.QueryRow(ctx, `insert into departments (name_enc, name_hash) values ($1,$2) returning id`, nameEnc, hash).Scan(&id); err != nil {
			app.Internal(c, err)
			return
		}
		a.Logs.Info("department created: " + in.Name)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Update renames a department.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in nameReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "name required", map[string]string{"name": "required"})
			return
		}
		ctx := c.Request.Context()
		hash := fieldcrypt.Hash(in.Name)
		var clash bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from departments where name_hash=$1 and id<>$2)`, hash, c.Param("id")).Scan(&clash); err != nil {
			app.Internal(c, err)
			return
		}
		if clash {
			app.Validation(c, "department name already exists", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		tag, err := a.DB.Exec(ctx, `update departments set name_enc=$1, name_hash=$2 where id=$3`, nameEnc, hash, c.Param("id"))
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.NotFound(c, "department not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes a department. Subdepartments cascade; directory entries and
// accounts keep existing with their department reference cleared.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from departments where id=$1`, c.Param("id"))
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.NotFound(c, "department not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Exists reports whether a department id is present. Shared by account and
// entry validation.
func Exists(c *gin.Context, a *app.App, id int64) (bool, error) {
	var ok bool
	err := a.DB.QueryRow(c.Request.Context(), `select exists(select 1 from departments where id=$1)`, id).Scan(&ok)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	return ok, nil
}

// SubdepartmentDepartment returns the owning department of a subdepartment,
// or pgx.ErrNoRows.
func SubdepartmentDepartment(c *gin.Context, a *app.App, id int64) (int64, error) {
	var dep int64
	err := a.DB.QueryRow(c.Request.Context(), `select department_id from subdepartments where id=$1`, id).Scan(&dep)
	return dep, err
}

// CheckLinkage validates a department/subdepartment pair: a subdepartment
// requires a department and must belong to it; a department, if given, must
// exist. Returns field errors, or nil when the pair is consistent.
func CheckLinkage(c *gin.Context, a *app.App, depID, subID *int64) (map[string]string, error) {
	if subID != nil && depID == nil {
		return map[string]string{"subdepartment_id": "requires department_id"}, nil
	}
	if depID != nil {
		ok, err := Exists(c, a, *depID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]string{"department_id": "unknown"}, nil
		}
	}
	if subID != nil {
		owner, err := SubdepartmentDepartment(c, a, *subID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return map[string]string{"subdepartment_id": "unknown"}, nil
			}
			return nil, err
		}
		if owner != *depID {
			return map[string]string{"subdepartment_id": "not in department"}, nil
		}
	}
	return nil, nil
}
