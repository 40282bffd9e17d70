package departments

import (
	"net/http"

	"github.com/gin-gonic/gin"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
)

type subCreateReq struct {
	Name         string `json:"name" binding:"required,min=1,max=120"`
	DepartmentID int64  `json:"department_id" binding:"required"`
}

// ListSubdepartments returns subdepartments, optionally filtered by
// ?department_id.
func ListSubdepartments(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		q := `select id, department_id, name_enc from subdepartments`
		args := []any{}
		if v := c.Query("department_id"); v != "" {
			q += ` where department_id=$1`
			args = append(args, v)
		}
		rows, err := a.DB.Query(ctx, q, args...)
		if err != nil {
			app.Internal(c, err)
			return
		}
		defer rows.Close()
		out := []Subdepartment{}
		for rows.Next() {
			var s Subdepartment
			var nameEnc string
			if err := rows.Scan(&s.ID, &s.DepartmentID, &nameEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if s.Name, err = a.Crypto.Decrypt(nameEnc); err != nil {
				app.Internal(c, err)
				return
			}
			out = append(out, s)
		}
		c.JSON(http.StatusOK, out)
	}
}

// CreateSubdepartment inserts a subdepartment. The name must be unique within
// its department only; the same name under another department is fine.
func CreateSubdepartment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in subCreateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "name and department_id required", nil)
			return
		}
		ctx := c.Request.Context()
		ok, err := Exists(c, a, in.DepartmentID)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if !ok {
			app.Validation(c, "department does not exist", map[string]string{"department_id": "unknown"})
			return
		}
		hash := fieldcrypt.Hash(in.Name)
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from subdepartments where department_id=$1 and name_hash=$2)`, in.DepartmentID, hash).Scan(&exists); err != nil {
			app.Internal(c, err)
			return
		}
		if exists {
			app.Validation(c, "subdepartment name already exists in department", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		var id int64
		if err := a.DB.QueryRow(ctx, `insert into subdepartments (department_id, name_enc, name_hash) values ($1,$2,$3) returning id`, in.DepartmentID, nameEnc, hash).Scan(&id); err != nil {
			app.Internal(c, err)
			return
		}
		a.Logs.Info("subdepartment created: " + in.Name)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// UpdateSubdepartment renames a subdepartment within its department.
func UpdateSubdepartment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in nameReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "name required", map[string]string{"name": "required"})
			return
		}
		ctx := c.Request.Context()
		var depID int64
		if err := a.DB.QueryRow(ctx, `select department_id from subdepartments where id=$1`, c.Param("id")).Scan(&depID); err != nil {
			app.NotFound(c, "subdepartment not found")
			return
		}
		hash := fieldcrypt.Hash(in.Name)
		var clash bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from subdepartments where department_id=$1 and name_hash=$2 and id<>$3)`, depID, hash, c.Param("id")).Scan(&clash); err != nil {
			app.Internal(c, err)
			return
		}
		if clash {
			app.Validation(c, "subdepartment name already exists in department", map[string]string{"name": "duplicate"})
			return
		}
		nameEnc, err := a.Crypto.Encrypt(in.Name)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if _, err := a.DB.Exec(ctx, `update subdepartments set name_enc=$1, name_hash=$2 where id=$3`, nameEnc, hash, c.Param("id")); err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// DeleteSubdepartment removes a subdepartment; entries referencing it get
// their subdepartment cleared by the FK policy.
func DeleteSubdepartment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag, err := a.DB.Exec(c.Request.Context(), `delete from subdepartments where id=$1`, c.Param("id"))
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.NotFound(c, "subdepartment not found")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
