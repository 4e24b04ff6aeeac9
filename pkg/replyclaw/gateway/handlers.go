package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/analytics"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/prefs"
	"github.com/jholhewres/replyclaw/pkg/replyclaw/session"
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSessionError maps session errors to HTTP statuses.
func (g *Gateway) writeSessionError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrUnknownPlatform):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, session.ErrAuthentication):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrConnection):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		g.logger.Error("session operation failed", "error", err)
	}
	g.writeError(w, err.Error(), code)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := g.now().Sub(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	accounts := make(map[string]string)
	if g.deps.Sessions != nil {
		for _, sess := range g.deps.Sessions.Sessions() {
			if sess.Conn().Health().Connected {
				accounts[sess.AccountID] = "connected"
			} else {
				accounts[sess.AccountID] = "disconnected"
			}
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  g.deps.Version,
		"uptime":   uptime,
		"accounts": accounts,
	})
}

// ---------- Sessions ----------

type sessionView struct {
	AccountID string    `json:"account_id"`
	Platform  string    `json:"platform"`
	SelfID    string    `json:"self_id,omitempty"`
	Live      bool      `json:"live"`
	Connected bool      `json:"connected"`
	StartedAt time.Time `json:"started_at,omitzero"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

func liveView(sess *session.Session) sessionView {
	return sessionView{
		AccountID: sess.AccountID,
		Platform:  sess.Platform,
		SelfID:    sess.SelfID,
		Live:      true,
		Connected: sess.Conn().Health().Connected,
		StartedAt: sess.StartedAt,
	}
}

// handleListSessions implements GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}

	views := make(map[string]sessionView)
	if g.deps.Stored != nil {
		stored, err := g.deps.Stored.List(r.Context())
		if err != nil {
			g.writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, s := range stored {
			views[s.AccountID] = sessionView{
				AccountID: s.AccountID,
				Platform:  s.Platform,
				CreatedAt: time.UnixMilli(s.CreatedAt),
				UpdatedAt: time.UnixMilli(s.UpdatedAt),
			}
		}
	}
	for _, sess := range g.deps.Sessions.Sessions() {
		v := liveView(sess)
		if stored, ok := views[sess.AccountID]; ok {
			v.CreatedAt, v.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
		}
		views[sess.AccountID] = v
	}

	list := make([]sessionView, 0, len(views))
	for _, v := range views {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AccountID < list[j].AccountID })

	g.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
		"pending":  g.deps.Sessions.Pending(),
	})
}

type authStartRequest struct {
	Platform string `json:"platform"`
	Password string `json:"password"`
}

// handleAuthStart implements POST /api/sessions/{account}/auth.
func (g *Gateway) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	var req authStartRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	ch, err := g.deps.Sessions.AuthenticateOn(r.Context(), req.Platform, chi.URLParam(r, "account"), req.Password)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, ch)
}

// handleAuthCancel implements DELETE /api/sessions/{account}/auth.
func (g *Gateway) handleAuthCancel(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	if err := g.deps.Sessions.CancelChallenge(chi.URLParam(r, "account")); err != nil {
		g.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyRequest struct {
	Code string `json:"code"`
}

// handleAuthVerify implements POST /api/sessions/{account}/verify.
func (g *Gateway) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		g.writeError(w, "code is required", http.StatusBadRequest)
		return
	}
	sess, err := g.deps.Sessions.SubmitCode(r.Context(), chi.URLParam(r, "account"), strings.TrimSpace(req.Code))
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, liveView(sess))
}

// handleSessionStatus implements GET /api/sessions/{account}/status.
func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	account := chi.URLParam(r, "account")
	_, live := g.deps.Sessions.Session(account)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account,
		"valid":      g.deps.Sessions.IsValid(r.Context(), account),
		"live":       live,
	})
}

// handleRestore implements POST /api/sessions/{account}/restore.
func (g *Gateway) handleRestore(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	sess, err := g.deps.Sessions.Restore(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		g.writeSessionError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, liveView(sess))
}

// handleRemove implements DELETE /api/sessions/{account}.
func (g *Gateway) handleRemove(w http.ResponseWriter, r *http.Request) {
	if g.deps.Sessions == nil {
		g.writeError(w, "sessions not available", http.StatusNotImplemented)
		return
	}
	if err := g.deps.Sessions.Remove(r.Context(), chi.URLParam(r, "account")); err != nil {
		g.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- Preferences ----------

type preferencesView struct {
	IsOn            bool      `json:"is_on"`
	GeneralPrompt   string    `json:"general_prompt"`
	ResponseDelayMS int64     `json:"response_delay_ms"`
	MaxTokens       int       `json:"max_tokens"`
	Temperature     float64   `json:"temperature"`
	AnalyzeImages   bool      `json:"analyze_images"`
	AnalyzeVoices   bool      `json:"analyze_voices"`
	Configured      bool      `json:"configured"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`
}

func newPreferencesView(p prefs.GlobalPreferences, configured bool) preferencesView {
	return preferencesView{
		IsOn:            p.Enabled,
		GeneralPrompt:   p.SystemPrompt,
		ResponseDelayMS: p.ResponseDelay.Milliseconds(),
		MaxTokens:       p.MaxTokens,
		Temperature:     p.Temperature,
		AnalyzeImages:   p.AnalyzeImages,
		AnalyzeVoices:   p.AnalyzeVoices,
		Configured:      configured,
		UpdatedAt:       p.UpdatedAt,
	}
}

// preferencesPatch is a partial update; absent fields keep their value.
type preferencesPatch struct {
	IsOn            *bool    `json:"is_on"`
	GeneralPrompt   *string  `json:"general_prompt"`
	ResponseDelayMS *int64   `json:"response_delay_ms"`
	MaxTokens       *int     `json:"max_tokens"`
	Temperature     *float64 `json:"temperature"`
	AnalyzeImages   *bool    `json:"analyze_images"`
	AnalyzeVoices   *bool    `json:"analyze_voices"`
}

func (p preferencesPatch) apply(cur prefs.GlobalPreferences) (prefs.GlobalPreferences, error) {
	if p.IsOn != nil {
		cur.Enabled = *p.IsOn
	}
	if p.GeneralPrompt != nil {
		cur.SystemPrompt = *p.GeneralPrompt
	}
	if p.ResponseDelayMS != nil {
		if *p.ResponseDelayMS < 0 {
			return cur, errors.New("response_delay_ms must not be negative")
		}
		cur.ResponseDelay = time.Duration(*p.ResponseDelayMS) * time.Millisecond
	}
	if p.MaxTokens != nil {
		if *p.MaxTokens <= 0 {
			return cur, errors.New("max_tokens must be positive")
		}
		cur.MaxTokens = *p.MaxTokens
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 || *p.Temperature > 2 {
			return cur, errors.New("temperature must be between 0 and 2")
		}
		cur.Temperature = *p.Temperature
	}
	if p.AnalyzeImages != nil {
		cur.AnalyzeImages = *p.AnalyzeImages
	}
	if p.AnalyzeVoices != nil {
		cur.AnalyzeVoices = *p.AnalyzeVoices
	}
	return cur, nil
}

// handleGetPreferences implements GET /api/preferences. Without a stored
// record the defaults (bot off) are returned.
func (g *Gateway) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	if g.deps.Prefs == nil {
		g.writeError(w, "preferences not available", http.StatusNotImplemented)
		return
	}
	p, err := g.deps.Prefs.GlobalPreferences(r.Context())
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if p == nil {
		g.writeJSON(w, http.StatusOK, newPreferencesView(prefs.DefaultPreferences(), false))
		return
	}
	g.writeJSON(w, http.StatusOK, newPreferencesView(*p, true))
}

// handlePutPreferences implements PUT /api/preferences.
func (g *Gateway) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	if g.deps.Prefs == nil {
		g.writeError(w, "preferences not available", http.StatusNotImplemented)
		return
	}
	var patch preferencesPatch
	if err := decodeBody(r, &patch); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	cur := prefs.DefaultPreferences()
	existing, err := g.deps.Prefs.GlobalPreferences(r.Context())
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing != nil {
		cur = *existing
	}

	next, err := patch.apply(cur)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	next.UpdatedAt = g.now()
	if err := g.deps.Prefs.Save(r.Context(), next); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.refresh(r)
	g.writeJSON(w, http.StatusOK, newPreferencesView(next, true))
}

// refresh makes a write visible to the pipeline immediately.
func (g *Gateway) refresh(r *http.Request) {
	if g.deps.Cache != nil {
		g.deps.Cache.Refresh(r.Context())
	}
}

// ---------- Chats ----------

type chatView struct {
	AccountID       string    `json:"account_id"`
	ChatID          string    `json:"chat_id"`
	Title           string    `json:"title,omitempty"`
	IsGroup         bool      `json:"is_group"`
	LastActivity    time.Time `json:"last_activity,omitzero"`
	AutoReply       bool      `json:"auto_reply_on"`
	CustomPrompt    string    `json:"custom_prompt,omitempty"`
	ResponseDelayMS *int64    `json:"response_delay_ms,omitempty"`
	Configured      bool      `json:"configured"`
}

func applySettings(v *chatView, cs prefs.ChatSettings) {
	v.AutoReply = cs.AutoReply
	v.CustomPrompt = cs.CustomPrompt
	v.Configured = true
	if cs.ResponseDelay != nil {
		ms := cs.ResponseDelay.Milliseconds()
		v.ResponseDelayMS = &ms
	}
}

// handleListChats implements GET /api/chats?account=<id>[&limit=n]. The
// account's known chats (from the live connection or the message log) are
// merged with their stored settings.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	if g.deps.Chats == nil {
		g.writeError(w, "chat settings not available", http.StatusNotImplemented)
		return
	}
	account := r.URL.Query().Get("account")
	limit := queryInt(r, "limit", 100)

	var known []channels.ChatInfo
	if account != "" {
		known = g.knownChats(r, account, limit)
	}

	settings, err := g.deps.Chats.List(r.Context(), account)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	byID := make(map[string]prefs.ChatSettings, len(settings))
	for _, cs := range settings {
		// An account-scoped row wins over an account-wide one.
		if prev, ok := byID[cs.ChatID]; ok && prev.AccountID != "" {
			continue
		}
		byID[cs.ChatID] = cs
	}

	out := make([]chatView, 0, len(known)+len(settings))
	seen := make(map[string]bool, len(known))
	for _, c := range known {
		v := chatView{AccountID: account, ChatID: c.ID, Title: c.Title, IsGroup: c.IsGroup, LastActivity: c.LastActivity}
		if cs, ok := byID[c.ID]; ok {
			applySettings(&v, cs)
		}
		seen[c.ID] = true
		out = append(out, v)
	}
	for _, cs := range settings {
		if seen[cs.ChatID] || (account != "" && byID[cs.ChatID].AccountID != cs.AccountID) {
			continue
		}
		if account != "" {
			seen[cs.ChatID] = true
		}
		v := chatView{AccountID: cs.AccountID, ChatID: cs.ChatID}
		applySettings(&v, cs)
		out = append(out, v)
	}

	g.writeJSON(w, http.StatusOK, map[string]any{"chats": out})
}

func (g *Gateway) knownChats(r *http.Request, account string, limit int) []channels.ChatInfo {
	if g.deps.Sessions != nil {
		if sess, ok := g.deps.Sessions.Session(account); ok {
			if lister, ok := sess.Conn().(channels.ChatLister); ok {
				chats, err := lister.ListChats(r.Context(), limit)
				if err == nil {
					return chats
				}
				g.logger.Warn("list chats failed, falling back to message log", "account", account, "error", err)
			}
		}
	}
	if g.deps.Activity == nil {
		return nil
	}
	activity, err := g.deps.Activity.Chats(r.Context(), account, limit)
	if err != nil {
		g.logger.Warn("message log chats failed", "account", account, "error", err)
		return nil
	}
	out := make([]channels.ChatInfo, 0, len(activity))
	for _, a := range activity {
		out = append(out, channels.ChatInfo{ID: a.ChatID, LastActivity: a.LastActivity})
	}
	return out
}

type chatRequest struct {
	AccountID       string `json:"account_id"`
	AutoReply       *bool  `json:"auto_reply_on"`
	CustomPrompt    string `json:"custom_prompt"`
	ResponseDelayMS *int64 `json:"response_delay_ms"`
}

// handlePutChat implements PUT /api/chats/{chat}. An empty account_id
// applies the setting to every account.
func (g *Gateway) handlePutChat(w http.ResponseWriter, r *http.Request) {
	if g.deps.Chats == nil {
		g.writeError(w, "chat settings not available", http.StatusNotImplemented)
		return
	}
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		g.writeError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.AutoReply == nil {
		g.writeError(w, "auto_reply_on must be a boolean", http.StatusBadRequest)
		return
	}

	cs := prefs.ChatSettings{
		AccountID:    req.AccountID,
		ChatID:       chi.URLParam(r, "chat"),
		AutoReply:    *req.AutoReply,
		CustomPrompt: req.CustomPrompt,
		UpdatedAt:    g.now(),
	}
	if req.ResponseDelayMS != nil {
		if *req.ResponseDelayMS < 0 {
			g.writeError(w, "response_delay_ms must not be negative", http.StatusBadRequest)
			return
		}
		d := time.Duration(*req.ResponseDelayMS) * time.Millisecond
		cs.ResponseDelay = &d
	}

	if err := g.deps.Chats.Upsert(r.Context(), cs); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.refresh(r)

	v := chatView{AccountID: cs.AccountID, ChatID: cs.ChatID}
	applySettings(&v, cs)
	g.writeJSON(w, http.StatusOK, v)
}

// handleDeleteChat implements DELETE /api/chats/{chat}?account=<id>.
func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if g.deps.Chats == nil {
		g.writeError(w, "chat settings not available", http.StatusNotImplemented)
		return
	}
	if err := g.deps.Chats.Delete(r.Context(), r.URL.Query().Get("account"), chi.URLParam(r, "chat")); err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.refresh(r)
	w.WriteHeader(http.StatusNoContent)
}

// ---------- Analytics ----------

// handleDailyCounts implements GET /api/analytics/daily[?account=&days=].
func (g *Gateway) handleDailyCounts(w http.ResponseWriter, r *http.Request) {
	if g.deps.Analytics == nil {
		g.writeError(w, "analytics not available", http.StatusNotImplemented)
		return
	}
	days := queryInt(r, "days", analytics.ReportDays)
	if days <= 0 || days > 366 {
		g.writeError(w, "days must be between 1 and 366", http.StatusBadRequest)
		return
	}
	counts, err := analytics.DailyCounts(r.Context(), g.deps.Analytics, r.URL.Query().Get("account"), days, g.now())
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, counts)
}

type recordView struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id"`
	UserMessage string    `json:"user_message"`
	BotResponse string    `json:"bot_response"`
	ReceivedAt  time.Time `json:"received_at"`
	SentAt      time.Time `json:"sent_at"`
	LatencyMS   int64     `json:"latency_ms"`
}

// handleRecentAnalytics implements GET /api/analytics/recent[?account=&limit=].
func (g *Gateway) handleRecentAnalytics(w http.ResponseWriter, r *http.Request) {
	if g.deps.Analytics == nil {
		g.writeError(w, "analytics not available", http.StatusNotImplemented)
		return
	}
	limit := min(max(queryInt(r, "limit", 50), 1), 500)
	recs, err := g.deps.Analytics.Recent(r.Context(), r.URL.Query().Get("account"), limit)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView{
			ID:          rec.ID,
			AccountID:   rec.AccountID,
			ChatID:      rec.ChatID,
			MessageID:   rec.MessageID,
			UserMessage: rec.UserMessage,
			BotResponse: rec.BotResponse,
			ReceivedAt:  rec.ReceivedAt,
			SentAt:      rec.SentAt,
			LatencyMS:   rec.Latency.Milliseconds(),
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
