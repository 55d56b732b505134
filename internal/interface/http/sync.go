package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
)

// syncHistoryLimit caps the status listing.
const syncHistoryLimit = 50

// handleTriggerSync enqueues an immediate high-priority discovery for a
// guild. Triggers are rate limited per caller IP so a stuck dashboard
// cannot flood the discovery queue.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")

	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "sync trigger rate limit exceeded")
		return
	}

	g, err := s.guilds.GetByID(r.Context(), guildID)
	if errors.Is(err, guild.ErrNotFound) {
		writeError(w, http.StatusNotFound, "guild not found")
		return
	}
	if err != nil {
		s.logger.Error("guild lookup failed", "guild_id", guildID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	jobID, err := s.schedules.EnqueueImmediateDiscovery(r.Context(), g.ID)
	if err != nil {
		s.logger.Error("failed to enqueue manual discovery", "guild_id", g.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	s.logger.Info("manual sync triggered", "guild", g.Name, "job_id", jobID, "ip", clientIP(r))

	writeJSON(w, http.StatusAccepted, map[string]string{
		"jobId":   jobID,
		"guildId": g.ID,
		"status":  "queued",
	})
}

// syncJobView is the JSON shape of one sync run in the status listing.
type syncJobView struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	TotalItems       int        `json:"totalItems"`
	ProcessedItems   int        `json:"processedItems"`
	ErrorCount       int        `json:"errorCount"`
	CurrentCharacter string     `json:"currentCharacter,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DurationSeconds  int        `json:"durationSeconds"`
}

// handleSyncStatus lists a guild's recent sync runs, newest first.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")

	if _, err := s.guilds.GetByID(r.Context(), guildID); err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			writeError(w, http.StatusNotFound, "guild not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	jobs, err := s.jobs.ListByGuild(r.Context(), guildID, syncHistoryLimit)
	if err != nil {
		s.logger.Error("failed to list sync runs", "guild_id", guildID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}

	views := make([]syncJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, syncJobView{
			ID:               j.ID,
			Type:             string(j.Type),
			Status:           string(j.Status),
			TotalItems:       j.TotalItems,
			ProcessedItems:   j.ProcessedItems,
			ErrorCount:       j.ErrorCount,
			CurrentCharacter: j.CurrentCharacter,
			ErrorMessage:     j.ErrorMessage,
			StartedAt:        j.StartedAt,
			CompletedAt:      j.CompletedAt,
			DurationSeconds:  j.Duration,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"guildId": guildID,
		"jobs":    views,
	})
}
