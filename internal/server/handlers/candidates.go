package handlers

import (
	"net/http"

	"appfleet/internal/catalog"
	"appfleet/pkg/api"
)

// ListCandidates handles GET /candidates.
// It returns the candidate list of the last successful sync.
func (h *Handlers) ListCandidates(w http.ResponseWriter, r *http.Request) {
	snap := h.catalog.Snapshot()

	resp := api.CandidatesResponse{Candidates: make([]api.CandidateResponse, 0, len(snap.Candidates))}
	for _, c := range snap.Candidates {
		resp.Candidates = append(resp.Candidates, toCandidateResponse(c))
	}
	if !snap.SyncedAt.IsZero() {
		t := snap.SyncedAt.UTC()
		resp.SyncedAt = &t
	}
	if snap.LastError != nil {
		resp.LastError = snap.LastError.Error()
	}
	h.respondJson(w, http.StatusOK, resp)
}

// Sync handles POST /sync.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.catalog.SyncNow(r.Context())
	if err != nil {
		h.respondJson(w, http.StatusBadGateway, api.ErrorResponse{
			Error:   "Sync failed",
			Code:    "502",
			Details: err.Error(),
		})
		return
	}
	h.respondJson(w, http.StatusOK, api.SyncResult{
		Candidates: res.Candidates,
		Enqueued:   res.Enqueued,
		SyncedAt:   res.SyncedAt.UTC(),
	})
}

func toCandidateResponse(c catalog.UpdateCandidate) api.CandidateResponse {
	return api.CandidateResponse{
		PackageName:          c.PackageName,
		AppID:                c.AppID,
		DisplayName:          c.Target.DisplayName,
		Kind:                 string(c.Kind),
		InstalledVersionCode: c.InstalledVersionCode,
		TargetVersionCode:    c.Target.VersionCode,
		TargetVersionName:    c.Target.VersionName,
		FileSizeBytes:        c.Target.FileSizeBytes,
		AutoUpdate:           c.Target.AutoUpdate,
		Changelog:            c.Target.Changelog,
	}
}
