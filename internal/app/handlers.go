package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/auth"
	"github.com/cam3ron2/repo-insights/internal/ghaccount"
	"github.com/cam3ron2/repo-insights/internal/linking"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodyBytes = 1 << 20

func (h *api) githubConnectURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	target, err := h.accounts.ConnectURL(r.Context(), userID, r.URL.Query().Get("returnTo"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": target})
}

func (h *api) githubCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := h.accounts.Callback(r.Context(), ghaccount.CallbackInput{
		Code:  query.Get("code"),
		State: query.Get("state"),
		Error: query.Get("error"),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *api) githubStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	status, err := h.accounts.Status(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *api) githubDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.accounts.Disconnect(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) githubRepos(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	repos, err := h.links.ListRepos(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *api) createLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := h.pathID(w, r, "projectId")
	if !ok {
		return
	}
	var input linking.LinkInput
	if !h.decodeBody(w, r, &input) {
		return
	}
	result, err := h.links.Link(r.Context(), userID, projectID, input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *api) listLinks(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := h.pathID(w, r, "projectId")
	if !ok {
		return
	}
	links, err := h.links.ListLinks(r.Context(), userID, projectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *api) deleteLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	projectID, ok := h.pathID(w, r, "projectId")
	if !ok {
		return
	}
	linkID, ok := h.pathID(w, r, "linkId")
	if !ok {
		return
	}
	if err := h.links.Unlink(r.Context(), userID, projectID, linkID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) analyse(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	snapshot, err := h.links.Analyse(r.Context(), userID, linkID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *api) listSnapshots(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	summaries, err := h.links.ListSnapshots(r.Context(), userID, linkID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *api) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	snapshot, err := h.links.LatestSnapshot(r.Context(), userID, linkID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *api) getSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	snapshotID, ok := h.pathID(w, r, "snapshotId")
	if !ok {
		return
	}
	snapshot, err := h.links.GetSnapshot(r.Context(), userID, snapshotID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *api) mappingCoverage(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	coverage, err := h.links.MappingCoverage(r.Context(), userID, linkID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coverage)
}

func (h *api) updateSyncSettings(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	var input linking.SyncSettingsInput
	if !h.decodeBody(w, r, &input) {
		return
	}
	link, err := h.links.UpdateSyncSettings(r.Context(), userID, linkID, input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *api) liveBranches(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	branches, err := h.live.Branches(r.Context(), userID, linkID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (h *api) liveBranchCommits(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	// Branch names containing "/" arrive percent-encoded.
	branch, err := url.PathUnescape(chi.URLParam(r, "branch"))
	if err != nil || strings.TrimSpace(branch) == "" {
		h.writeError(w, r, apperr.BadRequest("branch is required"))
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	commits, err := h.live.BranchCommits(r.Context(), userID, linkID, branch, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *api) liveMyCommits(w http.ResponseWriter, r *http.Request) {
	userID, linkID, ok := h.linkRequest(w, r)
	if !ok {
		return
	}
	page, ok := h.queryInt(w, r, "page")
	if !ok {
		return
	}
	perPage, ok := h.queryInt(w, r, "perPage")
	if !ok {
		return
	}
	includeTotals := false
	if raw := strings.TrimSpace(r.URL.Query().Get("includeTotals")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, apperr.BadRequest("includeTotals must be a boolean"))
			return
		}
		includeTotals = parsed
	}
	commits, err := h.live.MyCommits(r.Context(), userID, linkID, page, perPage, includeTotals)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (h *api) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, r, apperr.InvalidToken("missing access token", auth.ErrMissingToken))
		return 0, false
	}
	return userID, true
}

func (h *api) linkRequest(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	userID, ok := h.userID(w, r)
	if !ok {
		return 0, 0, false
	}
	linkID, ok := h.pathID(w, r, "linkId")
	if !ok {
		return 0, 0, false
	}
	return userID, linkID, true
}

func (h *api) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, apperr.BadRequest(fmt.Sprintf("%s must be a positive integer", param)))
		return 0, false
	}
	return id, true
}

// queryInt returns zero for an absent parameter so services apply their
// defaults.
func (h *api) queryInt(w http.ResponseWriter, r *http.Request, param string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(param))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		h.writeError(w, r, apperr.BadRequest(fmt.Sprintf("%s must be a non-negative integer", param)))
		return 0, false
	}
	return value, true
}

func (h *api) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(target); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(w, r, apperr.BadRequest("request body too large"))
			return false
		}
		h.writeError(w, r, apperr.BadRequest("invalid JSON body"))
		return false
	}
	return true
}
