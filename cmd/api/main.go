package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/hex"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ayto-intranet/phonebook-go/cmd/api/accounts"
	"github.com/ayto-intranet/phonebook-go/cmd/api/app"
	"github.com/ayto-intranet/phonebook-go/cmd/api/auth"
	"github.com/ayto-intranet/phonebook-go/cmd/api/departments"
	"github.com/ayto-intranet/phonebook-go/cmd/api/entries"
	"github.com/ayto-intranet/phonebook-go/cmd/api/system"
	"github.com/ayto-intranet/phonebook-go/cmd/api/tickets"
	"github.com/ayto-intranet/phonebook-go/internal/fieldcrypt"
	"github.com/ayto-intranet/phonebook-go/internal/logfiles"
	"github.com/ayto-intranet/phonebook-go/internal/ratelimit"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()
	cfg := app.GetConfig()
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		log.Fatal().Msg("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are required")
	}

	codec, err := fieldcrypt.New(cfg.FieldKey)
	if err != nil {
		log.Fatal().Err(err).Msg("field codec")
	}
	logs, err := logfiles.New(cfg.LogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("log files")
	}
	defer logs.Close()
	audit, err := logfiles.NewAuditLog(cfg.LogPath)
	if err != nil {
		logs.Critical("audit log init: " + err.Error())
		log.Fatal().Err(err).Msg("audit log")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logs.Critical("db connect: " + err.Error())
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	// Migrate (embedded goose) using the pgx stdlib driver.
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("goose dialect")
	}
	sqldb, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("sql open for goose")
	}
	defer sqldb.Close()
	if err := goose.UpContext(ctx, sqldb, "migrations"); err != nil {
		logs.Critical("migrate: " + err.Error())
		log.Fatal().Err(err).Msg("migrate up")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Msg("redis ping")
		}
		defer rdb.Close()
	}

	if err := seedBootstrap(ctx, pool, codec, cfg); err != nil {
		logs.Critical("seed bootstrap account: " + err.Error())
		log.Fatal().Err(err).Msg("seed bootstrap account")
	}

	a := app.NewApp(cfg, pool, codec, logs, audit, rdb)
	loginLimit := ratelimit.New(rdb, cfg.LoginAttempts, time.Minute)
	routes(a, loginLimit)

	srv := &http.Server{
		Addr:           cfg.Addr,
		Handler:        a.R,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	log.Info().Str("addr", cfg.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logs.Critical("listen: " + err.Error())
		log.Fatal().Err(err).Msg("listen")
	}
}

func routes(a *app.App, loginLimit *ratelimit.Limiter) {
	a.R.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	a.R.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Anonymous directory surface.
	a.R.GET("/entries/public", entries.PublicList(a))
	a.R.GET("/entries/updated", entries.UpdateMarker(a))

	ag := a.R.Group("/auth")
	ag.POST("/login", loginLimit.Middleware(func(c *gin.Context) string { return "login:" + c.ClientIP() }), auth.Login(a))
	ag.POST("/refresh", auth.Refresh(a))
	ag.POST("/logout", auth.Logout(a))
	ag.GET("/me", auth.Middleware(a), auth.Me)

	priv := a.R.Group("", auth.Middleware(a))
	priv.GET("/entries", entries.List(a))
	priv.GET("/departments", departments.List(a))
	priv.GET("/departments/:id/entries", entries.ListByDepartment(a))
	priv.GET("/subdepartments", departments.ListSubdepartments(a))
	priv.GET("/tickets", tickets.List(a))
	priv.POST("/tickets", tickets.Create(a))
	priv.PUT("/tickets/markas", tickets.MarkAs(a))
	// Account modification is matrix-checked inside the handlers, so a
	// department head can manage its own workers.
	priv.PUT("/accounts/:id", accounts.Update(a))
	priv.DELETE("/accounts/:id", accounts.Delete(a))
	priv.PUT("/profile", accounts.UpdateSelf(a))
	priv.DELETE("/profile", accounts.DeleteSelf(a))

	admin := priv.Group("", auth.AdminOnly())
	admin.POST("/departments", departments.Create(a))
	admin.PUT("/departments/:id", departments.Update(a))
	admin.DELETE("/departments/:id", departments.Delete(a))
	admin.POST("/subdepartments", departments.CreateSubdepartment(a))
	admin.PUT("/subdepartments/:id", departments.UpdateSubdepartment(a))
	admin.DELETE("/subdepartments/:id", departments.DeleteSubdepartment(a))
	admin.GET("/accounts", accounts.List(a))
	admin.POST("/accounts", accounts.Create(a))
	admin.POST("/entries", entries.Create(a))
	admin.PUT("/entries/:id", entries.Update(a))
	admin.DELETE("/entries/:id", entries.Delete(a))
	admin.GET("/system/metrics", system.Metrics(a))
	admin.GET("/system/logs", system.Logs(a))
	admin.GET("/system/logs/:name", system.LogContent(a))
	admin.GET("/system/logs/:name/download", system.LogDownload(a))
	admin.GET("/system/audit", system.AuditLog(a))
}

// seedBootstrap creates the first SUPERADMIN when the accounts table is
// empty. With bigserial ids the seed row gets id 1, the protected bootstrap
// account.
func seedBootstrap(ctx context.Context, pool *pgxpool.Pool, codec *fieldcrypt.Codec, cfg app.Config) error {
	var count int
	if err := pool.QueryRow(ctx, `select count(*) from accounts`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	pass := cfg.BootstrapPass
	generated := false
	if pass == "" {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		pass = hex.EncodeToString(b)
		generated = true
	}
	enc, err := codec.Encrypt(pass)
	if err != nil {
		return err
	}
	var mail *string
	if cfg.BootstrapMail != "" {
		mail = &cfg.BootstrapMail
	}
	_, err = pool.Exec(ctx, `
        insert into accounts (username, password_enc, usertype, force_pwd_change, mail)
        values ($1,$2,'SUPERADMIN',true,$3)`, cfg.BootstrapUser, enc, mail)
	if err != nil {
		return err
	}
	ev := log.Info().Str("username", cfg.BootstrapUser)
	if generated {
		ev = ev.Str("password", pass)
	}
	ev.Msg("seeded bootstrap superadmin")
	return nil
}
