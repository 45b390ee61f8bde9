package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"offline-phone/internal/auth"
	"offline-phone/internal/calls"
	"offline-phone/internal/chunks"
	"offline-phone/internal/history"
	"offline-phone/internal/journal"
	"offline-phone/internal/orchestrator"
	"offline-phone/internal/presence"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Phone    *orchestrator.Orchestrator
	Presence *presence.Service
	Chunks   *chunks.Service
	History  *history.Service
	Journal  *journal.Service
}

// --- Auth ---

type registerRequest struct {
	PhoneNumber string `json:"phone_number"`
	Username    string `json:"username"`
}

// Register issues a JWT token pair for the device identity.
func (h Handlers) Register(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.PhoneNumber == "" || req.Username == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number, username required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.PhoneNumber, req.Username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
}

// Refresh exchanges a refresh token for a fresh pair.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	if req.Username == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), claims.PhoneNumber, req.Username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the verified device identity.
func (h Handlers) Me(c *gin.Context) {
	num, _ := auth.PhoneNumber(c.Request.Context())
	name, _ := auth.Username(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"phone_number": num, "username": name})
}

// --- Call control ---

type dialRequest struct {
	ToNumber   string `json:"to_number"`
	ToUsername string `json:"to_username"`
}

func (h Handlers) Dial(c *gin.Context) {
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ToNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to_number required"})
		return
	}
	call, err := h.Phone.Dial(c.Request.Context(), req.ToNumber, req.ToUsername)
	if err != nil {
		abortPhoneErr(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Accept(c *gin.Context) {
	call, err := h.Phone.Accept(c.Request.Context())
	if err != nil {
		abortPhoneErr(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Reject(c *gin.Context) {
	if err := h.Phone.Reject(c.Request.Context()); err != nil {
		abortPhoneErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func (h Handlers) Hangup(c *gin.Context) {
	if err := h.Phone.Hangup(c.Request.Context()); err != nil {
		abortPhoneErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// State reports the current view snapshot.
func (h Handlers) State(c *gin.Context) {
	c.JSON(http.StatusOK, h.Phone.State())
}

// --- Chunks ---

// CallChunks lists the counterpart's chunks for a call. ?cached=true
// reads only the local cache, the offline playback source.
func (h Handlers) CallChunks(c *gin.Context) {
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	me, err := auth.PhoneNumber(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "phone_number required"})
		return
	}
	cached := c.Query("cached") == "true"
	list, err := h.Chunks.FetchOpposite(c.Request.Context(), callID, me, cached)
	if err != nil {
		if errors.Is(err, chunks.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "chunk lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": list})
}

// --- Playback ---

func (h Handlers) Play(c *gin.Context) {
	if err := h.Phone.Play(); err != nil {
		abortPhoneErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playback": "playing"})
}

func (h Handlers) Pause(c *gin.Context) {
	h.Phone.Pause()
	c.JSON(http.StatusOK, gin.H{"playback": "paused"})
}

type seekRequest struct {
	Index int `json:"index"`
}

func (h Handlers) Seek(c *gin.Context) {
	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.Phone.Seek(req.Index)
	c.JSON(http.StatusOK, gin.H{"playback": "seeking", "index": req.Index})
}

// --- Presence ---

func (h Handlers) OnlinePeers(c *gin.Context) {
	users, err := h.Presence.ListOnline(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": users})
}

// --- History ---

func (h Handlers) CallHistory(c *gin.Context) {
	me, err := auth.PhoneNumber(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "phone_number required"})
		return
	}
	r, ok := parseRange(c)
	if !ok {
		return
	}
	list, err := h.History.List(c.Request.Context(), me, r)
	if err != nil {
		if errors.Is(err, history.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": list})
}

func (h Handlers) CallHistorySummary(c *gin.Context) {
	me, err := auth.PhoneNumber(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "phone_number required"})
		return
	}
	r, ok := parseRange(c)
	if !ok {
		return
	}
	sum, err := h.History.Summarize(c.Request.Context(), history.SummaryRequest{Number: me, Range: r})
	if err != nil {
		if errors.Is(err, history.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Journal ---

func (h Handlers) RecentTransitions(c *gin.Context) {
	if h.Journal == nil {
		c.JSON(http.StatusOK, gin.H{"transitions": []journal.Entry{}})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "journal lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": entries})
}

// --- helpers ---

func parseRange(c *gin.Context) (history.TimeRange, bool) {
	parse := func(key string, def time.Time) (time.Time, bool) {
		raw := c.Query(key)
		if raw == "" {
			return def, true
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
			return time.Time{}, false
		}
		return t, true
	}
	now := time.Now().UTC()
	from, ok := parse("from", now.AddDate(0, -1, 0))
	if !ok {
		return history.TimeRange{}, false
	}
	to, ok := parse("to", now)
	if !ok {
		return history.TimeRange{}, false
	}
	return history.TimeRange{From: from, To: to}, true
}

func abortPhoneErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrWrongView),
		errors.Is(err, orchestrator.ErrPeerOffline),
		errors.Is(err, orchestrator.ErrLineBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call operation failed"})
	}
}
