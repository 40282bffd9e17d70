package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/metrics"
)

// RefreshCookie is the HttpOnly cookie carrying the refresh token, scoped to
// the auth endpoints.
const (
	RefreshCookie     = "refresh_token"
	refreshCookiePath = "/auth"
)

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Remember bool   `json:"remember"`
}

type entryView struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Extension     string  `json:"extension"`
	Number        string  `json:"number"`
	Email         string  `json:"email"`
	Department    *string `json:"department"`
	Subdepartment *string `json:"subdepartment"`
}

// Login checks credentials, issues both tokens and sets the refresh cookie.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.Validation(c, "username and password required", nil)
			return
		}
		ctx := c.Request.Context()
		var acc Account
		var passwordEnc, mail string
		var forcePwd bool
		var version int
		err := a.DB.QueryRow(ctx, `select id, password_enc, usertype, department_id, force_pwd_change, version, coalesce(mail,'') from accounts where username=$1`, in.Username).
			Scan(&acc.ID, &passwordEnc, &acc.Usertype, &acc.DepartmentID, &forcePwd, &version, &mail)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Credenciales incorrectas"})
			return
		}
		acc.Username = in.Username
		pw, err := a.Crypto.Decrypt(passwordEnc)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if subtle.ConstantTimeCompare([]byte(pw), []byte(in.Password)) != 1 {
			a.Logs.Warn("login rejected for " + in.Username)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Credenciales incorrectas"})
			return
		}

		access, err := IssueAccess(a.Cfg.AccessSecret, acc)
		if err != nil {
			app.Internal(c, err)
			return
		}
		refresh, expires, err := IssueRefresh(a.Cfg.RefreshSecret, acc, in.Remember)
		if err != nil {
			app.Internal(c, err)
			return
		}
		claims := DecodeUnsafe(refresh)
		tokenEnc, err := a.Crypto.Encrypt(refresh)
		if err != nil {
			app.Internal(c, err)
			return
		}
		if _, err := a.DB.Exec(ctx, `insert into refresh_tokens (jti, token_enc, account_id, expires_at) values ($1,$2,$3,$4)`,
			claims.ID, tokenEnc, acc.ID, expires); err != nil {
			app.Internal(c, err)
			return
		}

		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(RefreshCookie, refresh, int(time.Until(expires).Seconds()), refreshCookiePath, "", false, true)
		a.Logs.Info("login " + in.Username)
		metrics.LoginsTotal.Inc()

		resp := gin.H{
			"access_token":     access,
			"force_pwd_change": forcePwd,
			"account": gin.H{
				"id":       acc.ID,
				"username": acc.Username,
				"usertype": acc.Usertype,
				"version":  version,
				"mail":     mail,
			},
		}
		if ud := loadEntry(c, a, acc.ID); ud != nil {
			resp["user_data"] = ud
		}
		c.JSON(http.StatusOK, resp)
	}
}

// loadEntry resolves the caller's directory entry with department and
// subdepartment names decrypted. Absence is not an error: accounts without a
// listing are valid.
func loadEntry(c *gin.Context, a *app.App, accountID int64) *entryView {
	ctx := c.Request.Context()
	var v entryView
	var nameEnc, extEnc, numEnc, mailEnc string
	var depEnc, subEnc *string
	err := a.DB.QueryRow(ctx, `
        select e.id, e.name_enc, e.extension_enc, e.number_enc, e.email_enc, d.name_enc, s.name_enc
        from entries e
        left join departments d on d.id = e.department_id
        left join subdepartments s on s.id = e.subdepartment_id
        where e.account_id=$1`, accountID).
		Scan(&v.ID, &nameEnc, &extEnc, &numEnc, &mailEnc, &depEnc, &subEnc)
	if err != nil {
		return nil
	}
	var derr error
	if v.Name, derr = a.Crypto.Decrypt(nameEnc); derr != nil {
		log.Ctx(ctx).Error().Err(derr).Int64("entry", v.ID).Msg("decrypt entry")
		return nil
	}
	v.Extension, _ = a.Crypto.Decrypt(extEnc)
	v.Number, _ = a.Crypto.Decrypt(numEnc)
	v.Email, _ = a.Crypto.Decrypt(mailEnc)
	if depEnc != nil {
		if name, err := a.Crypto.Decrypt(*depEnc); err == nil {
			v.Department = &name
		}
	}
	if subEnc != nil {
		if name, err := a.Crypto.Decrypt(*subEnc); err == nil {
			v.Subdepartment = &name
		}
	}
	return &v
}

// Refresh exchanges a valid refresh cookie for a new access token. The
// persisted record must still exist: revocation wins over signature validity.
func Refresh(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, err := c.Cookie(RefreshCookie)
		if err != nil || tokenStr == "" {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "refresh token required", nil)
			return
		}
		claims, err := VerifyRefresh(a.Cfg.RefreshSecret, tokenStr)
		if err != nil {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "invalid or expired token", nil)
			return
		}
		ctx := c.Request.Context()
		var tokenEnc string
		var expires time.Time
		err = a.DB.QueryRow(ctx, `select token_enc, expires_at from refresh_tokens where jti=$1 and account_id=$2`, claims.ID, claims.AccountID).
			Scan(&tokenEnc, &expires)
		if err != nil {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "session revoked", nil)
			return
		}
		if time.Now().After(expires) {
			_, _ = a.DB.Exec(ctx, `delete from refresh_tokens where jti=$1`, claims.ID)
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "session expired", nil)
			return
		}
		if stored, err := a.Crypto.Decrypt(tokenEnc); err != nil || stored != tokenStr {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "session revoked", nil)
			return
		}
		// Re-read the account: usertype or department may have changed
		// since the refresh token was minted.
		var acc Account
		err = a.DB.QueryRow(ctx, `select id, username, usertype, department_id from accounts where id=$1`, claims.AccountID).
			Scan(&acc.ID, &acc.Username, &acc.Usertype, &acc.DepartmentID)
		if err != nil {
			app.AbortError(c, http.StatusUnauthorized, app.CodeAuth, "unknown account", nil)
			return
		}
		access, err := IssueAccess(a.Cfg.AccessSecret, acc)
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"access_token": access})
	}
}

// Logout revokes every session of the account named by the refresh cookie and
// clears it.
func Logout(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, _ := c.Cookie(RefreshCookie)
		if tokenStr != "" {
			// An expired cookie should still clear its sessions, so fall
			// back to the unverified claims for the account id.
			claims, err := VerifyRefresh(a.Cfg.RefreshSecret, tokenStr)
			if err != nil {
				claims = DecodeUnsafe(tokenStr)
			}
			if claims != nil && claims.AccountID != 0 {
				if err := RevokeSessions(c.Request.Context(), a.DB, claims.AccountID); err != nil {
					log.Ctx(c.Request.Context()).Error().Err(err).Msg("revoke sessions")
				}
			}
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(RefreshCookie, "", -1, refreshCookiePath, "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// RevokeSessions deletes every refresh token of an account. Called on logout
// and whenever the account row changes so stale sessions cannot outlive a
// credential or role change.
func RevokeSessions(ctx context.Context, db app.DB, accountID int64) error {
	_, err := db.Exec(ctx, `delete from refresh_tokens where account_id=$1`, accountID)
	return err
}
