package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/factstore/internal/snapshot"
	"github.com/hyperengineering/factstore/internal/store"
)

// SnapshotSource reports the current database snapshot.
// Implemented by store.SQLiteStore.
type SnapshotSource interface {
	Snapshot() (store.SnapshotInfo, error)
}

// WithSnapshots enables GET /snapshot. A nil uploader serves the local
// file only.
func WithSnapshots(src SnapshotSource, uploader snapshot.Uploader) HandlerOption {
	return func(h *Handler) {
		h.snapshots = src
		h.uploader = uploader
	}
}

// Snapshot handles GET /api/v1/snapshot. With S3 storage configured the
// client is redirected to a pre-signed URL; otherwise the local snapshot
// file is streamed.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshots are disabled")
		return
	}

	info, err := h.snapshots.Snapshot()
	if errors.Is(err, store.ErrNoSnapshot) {
		w.Header().Set("Retry-After", "60")
		WriteProblem(w, r, http.StatusServiceUnavailable, "No snapshot has been generated yet")
		return
	}
	if err != nil {
		slog.Error("snapshot lookup failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	if h.uploader != nil {
		url, _, err := h.uploader.PresignedURL(r.Context())
		switch {
		case err == nil:
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		case !errors.Is(err, snapshot.ErrNotConfigured):
			slog.Warn("pre-signed URL failed, serving local snapshot",
				"component", "api",
				"error", err,
			)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="factstore-snapshot.db"`)
	w.Header().Set("X-Snapshot-Created", info.CreatedAt.Format(http.TimeFormat))
	w.Header().Set("X-Snapshot-Size", strconv.FormatInt(info.SizeBytes, 10))
	http.ServeFile(w, r, info.Path)
}
