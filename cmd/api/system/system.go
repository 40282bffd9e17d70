// Package system exposes operational introspection: process metrics, the
// service log files and the ticket audit log.
package system

import (
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/ayto-intranet/phonebook-go/cmd/api/app"
)

// sampleInterval is how far apart the two CPU snapshots are taken.
const sampleInterval = 100 * time.Millisecond

// Metrics reports process RSS in MB, uptime in seconds, logical CPU count
// and a sampled CPU usage percentage. The sample blocks this request for the
// interval but nothing else.
func Metrics(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rss, err := residentMB()
		if err != nil {
			app.Internal(c, err)
			return
		}
		pct, err := cpuPercent(sampleInterval)
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"rss_mb":         rss,
			"uptime_seconds": int64(time.Since(a.Start).Seconds()),
			"cpus":           runtime.NumCPU(),
			"cpu_percent":    pct,
		})
	}
}

// residentMB reads the process resident set size from /proc/self/statm.
func residentMB() (float64, error) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0, nil
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return float64(pages*int64(os.Getpagesize())) / (1024 * 1024), nil
}

// cpuPercent diffs two /proc/stat snapshots: usage is the non-idle share of
// the elapsed CPU time across all cores.
func cpuPercent(interval time.Duration) (float64, error) {
	idle1, total1, err := cpuTimes()
	if err != nil {
		return 0, err
	}
	time.Sleep(interval)
	idle2, total2, err := cpuTimes()
	if err != nil {
		return 0, err
	}
	dTotal := total2 - total1
	if dTotal == 0 {
		return 0, nil
	}
	return 100 * (1 - float64(idle2-idle1)/float64(dTotal)), nil
}

func cpuTimes() (idle, total uint64, err error) {
	b, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		for i, f := range strings.Fields(line)[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, err
			}
			total += v
			// Fields 3 and 4 are idle and iowait.
			if i == 3 || i == 4 {
				idle += v
			}
		}
		break
	}
	return idle, total, nil
}

// Logs lists the daily log file names, newest first.
func Logs(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := a.Logs.List()
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.JSON(http.StatusOK, names)
	}
}

// LogContent returns one log file's text.
func LogContent(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := a.Logs.Read(c.Param("name"))
		if err != nil {
			app.NotFound(c, "log file not found")
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
	}
}

// LogDownload serves one log file as an attachment.
func LogDownload(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		b, err := a.Logs.Read(name)
		if err != nil {
			app.NotFound(c, "log file not found")
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, "application/octet-stream", b)
	}
}

// AuditLog returns the full ticket audit log.
func AuditLog(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := a.Audit.Read()
		if err != nil {
			app.Internal(c, err)
			return
		}
		c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
	}
}
