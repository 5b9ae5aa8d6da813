package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sys/unix"
)

// Usage summarises what a Store currently holds.
type Usage struct {
	Objects int   `json:"fileCount"`
	Bytes   int64 `json:"totalBytes"`
}

// MeasureUsage lists the store and totals its objects.
func MeasureUsage(ctx context.Context, store Store) (Usage, error) {
	objects, err := store.List(ctx)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, obj := range objects {
		u.Objects++
		u.Bytes += obj.Size
	}
	return u, nil
}

// DiskStatus is the filesystem holding a directory.
type DiskStatus struct {
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// DirStatus describes a local uploads directory.
type DirStatus struct {
	Path     string      `json:"path"`
	Exists   bool        `json:"exists"`
	Writable bool        `json:"writable"`
	Disk     *DiskStatus `json:"disk,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// InspectDir reports whether dir exists and is writable, and how full the
// disk under it is.
func InspectDir(dir string) DirStatus {
	st := DirStatus{Path: dir}

	info, err := os.Stat(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			st.Error = err.Error()
		}
		return st
	}
	if !info.IsDir() {
		st.Error = "not a directory"
		return st
	}
	st.Exists = true
	st.Writable = unix.Access(dir, unix.W_OK) == nil

	usage, err := disk.Usage(dir)
	if err != nil {
		slog.Warn("failed to read disk usage", "path", dir, "error", err)
		st.Error = "unable to retrieve disk space information"
		return st
	}
	st.Disk = &DiskStatus{
		Fstype:      usage.Fstype,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}
	return st
}
