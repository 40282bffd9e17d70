// Package accounts implements user account management. Admin-facing CRUD is
// permission-checked against the role matrix; self-service variants verify
// the caller's current password. Every successful update revokes the
// account's refresh sessions so credential or role changes take effect
// immediately.
package accounts

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/auth"
	"github.com/ayto-intranet/phonebook-go/cmd/api/departments"
	"github.com/ayto-intranet/phonebook-go/cmd/api/entries"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
)

// Account is the admin listing projection. Passwords never leave the package.
type Account struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Usertype       string  `json:"usertype"`
	DepartmentID   *int64  `json:"department_id"`
	Department     *string `json:"department,omitempty"`
	ForcePwdChange bool    `json:"force_pwd_change"`
	Version        int     `json:"version"`
	Mail           string  `json:"mail,omitempty"`
}

type userDataReq struct {
	Name      string `json:"name" binding:"required,min=1,max=160"`
	Extension string `json:"extension" binding:"required"`
	Number    string `json:"number" binding:"required"`
	Email     string `json:"email" binding:"required"`
	Show      *bool  `json:"show" binding:"required"`
	Version   *int   `json:"version"`
}

type createReq struct {
	Username        string       `json:"username" binding:"required,min=3,max=60"`
	Password        string       `json:"password" binding:"required,min=8"`
	Usertype        string       `json:"usertype"`
	DepartmentID    *int64       `json:"department_id"`
	SubdepartmentID *int64       `json:"subdepartment_id"`
	Mail            *string      `json:"mail" binding:"omitempty,email"`
	UserData        *userDataReq `json:"user_data"`
}

type updateReq struct {
	Username     *string      `json:"username" binding:"omitempty,min=3,max=60"`
	Password     *string      `json:"password" binding:"omitempty,min=8"`
	Usertype     *string      `json:"usertype"`
	DepartmentID *int64       `json:"department_id"`
	Mail         *string      `json:"mail" binding:"omitempty,email"`
	Version      *int         `json:"version" binding:"required"`
	UserData     *userDataReq `json:"user_data"`
}

type selfReq struct {
	OldPassword string  `json:"old_password" binding:"required"`
	Password    *string `json:"password" binding:"omitempty,min=8"`
	Mail        *string `json:"mail" binding:"omitempty,email"`
	Version     *int    `json:"version" binding:"required"`
}

type storedAccount struct {
	id             int64
	username       string
	passwordEnc    string
	usertype       string
	departmentID   *int64
	forcePwdChange bool
	version        int
	mail           string
}

func loadAccount(c *gin.Context, a *app.App, id int64) (*storedAccount, error) {
	var s storedAccount
	err := a.DB.QueryRow(c.Request.Context(), `
        select id, username, password_enc, usertype, department_id, force_pwd_change, version, coalesce(mail,'')
        from accounts where id=$1`, id).
		Scan(&s.id, &s.username, &s.passwordEnc, &s.usertype, &s.departmentID, &s.forcePwdChange, &s.version, &s.mail)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func passwordMatches(a *app.App, enc, supplied string) bool {
	stored, err := a.Crypto.Decrypt(enc)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// List returns all accounts with department names resolved.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `
            select a.id, a.username, a.usertype, a.department_id, a.force_pwd_change, a.version, coalesce(a.mail,''), d.name_enc
            from accounts a
            left join departments d on d.id = a.department_id`)
		if err != nil {
			app.Internal(c, err)
			return
		}
		defer rows.Close()
		out := []Account{}
		for rows.Next() {
			var acc Account
			var depEnc *string
			if err := rows.Scan(&acc.ID, &acc.Username, &acc.Usertype, &acc.DepartmentID,
				&acc.ForcePwdChange, &acc.Version, &acc.Mail, &depEnc); err != nil {
				app.Internal(c, err)
				return
			}
			if depEnc != nil {
				if name, err := a.Crypto.Decrypt(*depEnc); err == nil {
					acc.Department = &name
				}
			}
			out = append(out, acc)
		}
		c.JSON(http.StatusOK, out)
	}
}

// Create registers an account, always forcing a password change on first
// login. An optional user_data block creates the linked directory entry in
// the same department.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing or invalid fields", app.FieldErrors(err))
			return
		}
		if in.Usertype == "" {
			in.Usertype = auth.RoleWorker
		}
		if !auth.ValidRole(in.Usertype) {
			app.Validation(c, "unknown usertype", map[string]string{"usertype": "unknown"})
			return
		}
		principal, _ := auth.Principal(c)
		if in.Usertype == auth.RoleSuperadmin && principal.Usertype != auth.RoleSuperadmin {
			app.Permission(c, "only a superadmin may create superadmins")
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
		if in.UserData != nil {
			if errs := entries.ValidateContact(in.UserData.Extension, in.UserData.Number, in.UserData.Email); errs != nil {
				app.Validation(c, "invalid user data fields", errs)
				return
			}
		}
		ctx := c.Request.Context()
		var taken bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from accounts where username=$1)`, in.Username).Scan(&taken); err != nil {
			app.Internal(c, err)
			return
		}
		if taken {
			app.Validation(c, "username already exists", map[string]string{"username": "duplicate"})
			return
		}
		// All checks against the linked entry run before the account row
		// exists, so a rejected request leaves nothing behind.
		var hash string
		if in.UserData != nil {
			hash = fieldcrypt.Hash(in.UserData.Name)
			var clash bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where name_hash=$1)`, hash).Scan(&clash); err != nil {
				app.Internal(c, err)
				return
			}
			if clash {
				app.Validation(c, "entry name already exists", map[string]string{"name": "duplicate"})
				return
			}
		}
		passEnc, err := a.Crypto.Encrypt(in.Password)
		if err != nil {
			app.Internal(c, err)
			return
		}
		var id int64
		err = a.DB.QueryRow(ctx, `
            insert into accounts (username, password_enc, usertype, department_id, force_pwd_change, mail)
            values ($1,$2,$3,$4,true,$5) returning id`,
			in.Username, passEnc, in.Usertype, in.DepartmentID, in.Mail).Scan(&id)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if in.UserData != nil {
			d := in.UserData
			nameEnc, err := a.Crypto.Encrypt(d.Name)
			if err != nil {
				app.Internal(c, err)
				return
			}
			extEnc, _ := a.Crypto.Encrypt(d.Extension)
			numEnc, _ := a.Crypto.Encrypt(d.Number)
			mailEnc, _ := a.Crypto.Encrypt(d.Email)
			var entryID int64
			err = a.DB.QueryRow(ctx, `
                insert into entries (account_id, name_enc, name_hash, extension_enc, number_enc, email_enc, show, department_id, subdepartment_id)
                values ($1,$2,$3,$4,$5,$6,$7,$8,$9) returning id`,
				id, nameEnc, hash, extEnc, numEnc, mailEnc, *d.Show, in.DepartmentID, in.SubdepartmentID).Scan(&entryID)
			if err != nil {
				// The account must not survive without its entry.
				if _, derr := a.DB.Exec(ctx, `delete from accounts where id=$1`, id); derr != nil {
					a.Logs.Error("orphaned account " + in.Username + ": " + derr.Error())
				}
				app.Internal(c, err)
				return
			}
			entries.BumpMarker(a, c)
		}
		a.Logs.Info("account created: " + in.Username)
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

// Update modifies an account under the role matrix and optimistic
// concurrency. When a user_data block is supplied, its version must match
// the linked entry as well; both rows advance together. All of the target's
// sessions are revoked afterwards.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			app.Validation(c, "invalid account id", nil)
			return
		}
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing or invalid fields", app.FieldErrors(err))
			return
		}
		target, err := loadAccount(c, a, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				app.NotFound(c, "account not found")
				return
			}
			app.Internal(c, err)
			return
		}
		principal, _ := auth.Principal(c)
		if !auth.CanModify(principal, auth.Target{ID: target.id, Usertype: target.usertype, DepartmentID: target.departmentID}) {
			app.Permission(c, "not allowed to modify this account")
			return
		}
		if in.Usertype != nil && *in.Usertype != target.usertype {
			if !auth.IsAdmin(principal.Usertype) {
				app.Permission(c, "only admins may change usertype")
				return
			}
			if !auth.ValidRole(*in.Usertype) {
				app.Validation(c, "unknown usertype", map[string]string{"usertype": "unknown"})
				return
			}
			if *in.Usertype == auth.RoleSuperadmin && principal.Usertype != auth.RoleSuperadmin {
				app.Permission(c, "only a superadmin may grant superadmin")
				return
			}
		}
		if *in.Version != target.version {
			app.VersionConflict(c)
			return
		}
		ctx := c.Request.Context()

		// Pre-check the linked entry version so a conflict rejects the whole
		// request before the account row changes.
		var entryID int64
		var entryVersion int
		if in.UserData != nil {
			if in.UserData.Version == nil {
				app.Validation(c, "user_data version required", map[string]string{"user_data.version": "required"})
				return
			}
			if errs := entries.ValidateContact(in.UserData.Extension, in.UserData.Number, in.UserData.Email); errs != nil {
				app.Validation(c, "invalid user data fields", errs)
				return
			}
			err := a.DB.QueryRow(ctx, `select id, version from entries where account_id=$1`, id).Scan(&entryID, &entryVersion)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					app.NotFound(c, "account has no directory entry")
					return
				}
				app.Internal(c, err)
				return
			}
			if *in.UserData.Version != entryVersion {
				app.VersionConflict(c)
				return
			}
		}

		username := target.username
		if in.Username != nil && *in.Username != target.username {
			var taken bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from accounts where username=$1 and id<>$2)`, *in.Username, id).Scan(&taken); err != nil {
				app.Internal(c, err)
				return
			}
			if taken {
				app.Validation(c, "username already exists", map[string]string{"username": "duplicate"})
				return
			}
			username = *in.Username
		}
		passEnc := target.passwordEnc
		forcePwd := target.forcePwdChange
		if in.Password != nil {
			if passEnc, err = a.Crypto.Encrypt(*in.Password); err != nil {
				app.Internal(c, err)
				return
			}
			forcePwd = false
		}
		usertype := target.usertype
		if in.Usertype != nil {
			usertype = *in.Usertype
		}
		depID := target.departmentID
		if in.DepartmentID != nil {
			ok, err := departments.Exists(c, a, *in.DepartmentID)
			if err != nil {
				app.Internal(c, err)
				return
			}
			if !ok {
				app.Validation(c, "department does not exist", map[string]string{"department_id": "unknown"})
				return
			}
			depID = in.DepartmentID
		}
		mail := target.mail
		if in.Mail != nil {
			mail = *in.Mail
		}

		tag, err := a.DB.Exec(ctx, `
            update accounts set username=$1, password_enc=$2, usertype=$3, department_id=$4, force_pwd_change=$5, mail=$6,
                   version=(version+1) % 100001
            where id=$7 and version=$8`,
			username, passEnc, usertype, depID, forcePwd, mail, id, *in.Version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.VersionConflict(c)
			return
		}

		if in.UserData != nil {
			d := in.UserData
			hash := fieldcrypt.Hash(d.Name)
			var clash bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from entries where name_hash=$1 and id<>$2)`, hash, entryID).Scan(&clash); err != nil {
				app.Internal(c, err)
				return
			}
			if clash {
				app.Validation(c, "entry name already exists", map[string]string{"name": "duplicate"})
				return
			}
			nameEnc, err := a.Crypto.Encrypt(d.Name)
			if err != nil {
				app.Internal(c, err)
				return
			}
			extEnc, _ := a.Crypto.Encrypt(d.Extension)
			numEnc, _ := a.Crypto.Encrypt(d.Number)
			mailEnc, _ := a.Crypto.Encrypt(d.Email)
			etag, err := a.DB.Exec(ctx, `
                update entries set name_enc=$1, name_hash=$2, extension_enc=$3, number_enc=$4, email_enc=$5, show=$6,
                       version=(version+1) % 100001
                where id=$7 and version=$8`,
				nameEnc, hash, extEnc, numEnc, mailEnc, *d.Show, entryID, entryVersion)
			if err != nil {
				app.Internal(c, err)
				return
			}
			// The pre-checked version can lose a race to a concurrent entry
			// write; a silent no-op here would drop the user_data changes.
			if etag.RowsAffected() == 0 {
				app.VersionConflict(c)
				return
			}
			entries.BumpMarker(a, c)
		}

		if err := auth.RevokeSessions(ctx, a.DB, id); err != nil {
			app.Internal(c, err)
			return
		}
		a.Logs.Info("account updated: " + username)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete removes an account. The caller must pass the current version as a
// query parameter; a stale one is rejected. Linked entries and sessions go
// with it via the FK policy.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			app.Validation(c, "invalid account id", nil)
			return
		}
		version, err := strconv.Atoi(c.Query("version"))
		if err != nil {
			app.Validation(c, "version required", map[string]string{"version": "required"})
			return
		}
		target, err := loadAccount(c, a, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				app.NotFound(c, "account not found")
				return
			}
			app.Internal(c, err)
			return
		}
		principal, _ := auth.Principal(c)
		if !auth.CanModify(principal, auth.Target{ID: target.id, Usertype: target.usertype, DepartmentID: target.departmentID}) {
			app.Permission(c, "not allowed to delete this account")
			return
		}
		if version != target.version {
			app.VersionConflict(c)
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `delete from accounts where id=$1 and version=$2`, id, version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.VersionConflict(c)
			return
		}
		a.Logs.Info("account deleted: " + target.username)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// UpdateSelf lets the caller change their own password or mail after proving
// the current password. A successful change revokes the caller's sessions;
// the client is expected to log in again.
func UpdateSelf(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := auth.Principal(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "token required", nil)
			return
		}
		var in selfReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing or invalid fields", nil)
			return
		}
		target, err := loadAccount(c, a, principal.ID)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if !passwordMatches(a, target.passwordEnc, in.OldPassword) {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "wrong password", nil)
			return
		}
		if *in.Version != target.version {
			app.VersionConflict(c)
			return
		}
		passEnc := target.passwordEnc
		forcePwd := target.forcePwdChange
		if in.Password != nil {
			if passEnc, err = a.Crypto.Encrypt(*in.Password); err != nil {
				app.Internal(c, err)
				return
			}
			forcePwd = false
		}
		mail := target.mail
		if in.Mail != nil {
			mail = *in.Mail
		}
		ctx := c.Request.Context()
		tag, err := a.DB.Exec(ctx, `
            update accounts set password_enc=$1, force_pwd_change=$2, mail=$3,
                   version=(version+1) % 100001
            where id=$4 and version=$5`,
			passEnc, forcePwd, mail, principal.ID, *in.Version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.VersionConflict(c)
			return
		}
		if err := auth.RevokeSessions(ctx, a.DB, principal.ID); err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// DeleteSelf removes the caller's own account after proving the current
// password.
func DeleteSelf(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := auth.Principal(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "token required", nil)
			return
		}
		if principal.ID == auth.BootstrapID {
			app.Permission(c, "the bootstrap account cannot be deleted")
			return
		}
		var in selfReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "missing or invalid fields", nil)
			return
		}
		target, err := loadAccount(c, a, principal.ID)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if !passwordMatches(a, target.passwordEnc, in.OldPassword) {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "wrong password", nil)
			return
		}
		if *in.Version != target.version {
			app.VersionConflict(c)
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `delete from accounts where id=$1 and version=$2`, principal.ID, *in.Version)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.VersionConflict(c)
			return
		}
		a.Logs.Info("account deleted: " + target.username)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
