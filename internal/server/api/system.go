package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"runtime"
	"time"

	"synkros/internal/server/storage"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// Cleaner runs one retention and orphan sweep on demand.
type Cleaner interface {
	RunOnce(ctx context.Context) storage.CleanupReport
}

// AdminAuth guards operator endpoints with a bearer token. With no token
// configured the endpoints do not exist.
func AdminAuth(token string) echo.MiddlewareFunc {
	if token == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				return echo.ErrNotFound
			}
		}
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			logger(c).Warn("admin request rejected", "ip", c.RealIP(), "path", c.Path())
			return errorJSON(c, http.StatusUnauthorized, "unauthorized")
		},
	})
}

type hostMemory struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

type processMemory struct {
	HeapAlloc uint64 `json:"heapAlloc"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

type systemSpecs struct {
	Uptime     float64       `json:"uptime"`
	GoVersion  string        `json:"goVersion"`
	Platform   string        `json:"platform"`
	Arch       string        `json:"arch"`
	Hostname   string        `json:"hostname"`
	ProcessID  int           `json:"processId"`
	CPUs       int           `json:"cpus"`
	Goroutines int           `json:"goroutines"`
	LoadAvg    []float64     `json:"loadavg,omitempty"`
	Memory     *hostMemory   `json:"memory,omitempty"`
	Process    processMemory `json:"process"`
	Time       time.Time     `json:"time"`
}

type storageStatus struct {
	Backend string             `json:"backend"`
	Usage   *storage.Usage     `json:"usage,omitempty"`
	Uploads *storage.DirStatus `json:"uploadsDirectory,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// HandleSystem handles GET /api/system.
// Reports host and process figures plus the state of file storage.
func (h *Handler) HandleSystem(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"system":  h.systemSpecs(c),
		"storage": h.storageStatus(c),
	})
}

func (h *Handler) systemSpecs(c echo.Context) systemSpecs {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	hostname, _ := os.Hostname()

	specs := systemSpecs{
		Uptime:     time.Since(h.started).Seconds(),
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS,
		Arch:       runtime.GOARCH,
		Hostname:   hostname,
		ProcessID:  os.Getpid(),
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		Process:    processMemory{HeapAlloc: ms.HeapAlloc, Sys: ms.Sys, NumGC: ms.NumGC},
		Time:       time.Now().UTC(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		specs.Memory = &hostMemory{Total: vm.Total, Free: vm.Available, Used: vm.Total - vm.Available}
	} else {
		logger(c).Warn("failed to read host memory", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		specs.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else {
		logger(c).Debug("load average unavailable", "error", err)
	}
	return specs
}

func (h *Handler) storageStatus(c echo.Context) storageStatus {
	st := storageStatus{Backend: h.cfg.StorageBackend}
	if st.Backend == "" || st.Backend == "fs" {
		st.Backend = "fs"
		dir := storage.InspectDir(h.cfg.StoragePath)
		st.Uploads = &dir
		if !dir.Exists {
			return st
		}
	}

	usage, err := h.svc.StorageUsage(c.Request().Context())
	if err != nil {
		logger(c).Error("failed to measure storage", "error", err)
		st.Error = "failed to list stored files"
		return st
	}
	st.Usage = &usage
	return st
}

// HandleCleanup handles POST /api/cleanup.
// Runs a cleanup cycle now instead of waiting for the next tick.
func (h *Handler) HandleCleanup(c echo.Context) error {
	if h.cleaner == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "cleanup is not running")
	}

	report := h.cleaner.RunOnce(c.Request().Context())
	logger(c).Info("cleanup triggered", "expired", report.Expired, "orphans", report.Orphans)

	return c.JSON(http.StatusOK, echo.Map{
		"expired": report.Expired,
		"orphans": report.Orphans,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
}
