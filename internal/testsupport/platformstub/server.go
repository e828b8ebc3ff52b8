package platformstub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Page seeds a managed destination.
type Page struct {
	ID    string
	Name  string
	Token string
}

// Options describes how the fake platform should behave.
type Options struct {
	AccountID    string
	AccountName  string
	AccountToken string
	Pages        []Page

	// ExpiredTokens are rejected with an expired-session error.
	ExpiredTokens []string

	// FailLiveStatus causes the first N status queries to return HTTP 500.
	FailLiveStatus int

	// LiveViews is reported for every broadcast unless overridden.
	LiveViews int
}

// Operation represents a recorded platform interaction.
type Operation struct {
	Kind      string
	ObjectID  string
	Token     string
	Title     string
	Message   string
	Status    int
	Timestamp time.Time
}

type broadcast struct {
	id      string
	videoID string
	pageID  string
	status  string
	views   int
}

// Graph hosts a single httptest.Server that serves the platform endpoints.
type Graph struct {
	server *httptest.Server
	opts   Options

	mu          sync.Mutex
	operations  []Operation
	pageTokens  map[string]string
	expired     map[string]struct{}
	broadcasts  map[string]*broadcast
	statusCalls int
	seq         int
}

// Start spins up a new platform stub using the provided options.
func Start(opts Options) *Graph {
	if opts.AccountID == "" {
		opts.AccountID = "account-1"
	}
	g := &Graph{
		opts:       opts,
		pageTokens: make(map[string]string),
		expired:    make(map[string]struct{}),
		broadcasts: make(map[string]*broadcast),
	}
	for _, page := range opts.Pages {
		g.pageTokens[page.ID] = page.Token
	}
	for _, token := range opts.ExpiredTokens {
		g.expired[token] = struct{}{}
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	return g
}

// Close shuts down the underlying HTTP server.
func (g *Graph) Close() {
	if g.server != nil {
		g.server.Close()
	}
}

// BaseURL returns the HTTP base URL. Clients append their API version.
func (g *Graph) BaseURL() string {
	return g.server.URL
}

// Operations returns a copy of all recorded operations in order.
func (g *Graph) Operations() []Operation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Operation, len(g.operations))
	copy(out, g.operations)
	return out
}

// OperationsOf filters recorded operations by kind.
func (g *Graph) OperationsOf(kind string) []Operation {
	var out []Operation
	for _, op := range g.Operations() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// ExpireToken makes subsequent calls authenticated with token fail.
func (g *Graph) ExpireToken(token string) {
	g.mu.Lock()
	g.expired[token] = struct{}{}
	g.mu.Unlock()
}

// RotatePageToken changes the token handed out for pageID by me/accounts.
func (g *Graph) RotatePageToken(pageID, token string) {
	g.mu.Lock()
	g.pageTokens[pageID] = token
	g.mu.Unlock()
}

// SetStatus overrides the reported status of a broadcast.
func (g *Graph) SetStatus(broadcastID, status string) {
	g.mu.Lock()
	if b, ok := g.broadcasts[broadcastID]; ok {
		b.status = status
	}
	g.mu.Unlock()
}

// SetViews overrides the reported viewer count of a broadcast.
func (g *Graph) SetViews(broadcastID string, views int) {
	g.mu.Lock()
	if b, ok := g.broadcasts[broadcastID]; ok {
		b.views = views
	}
	g.mu.Unlock()
}

func (g *Graph) handle(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) < 2 {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}
	// The first segment is the API version.
	segments = segments[1:]
	token := r.URL.Query().Get("access_token")

	switch {
	case r.Method == http.MethodGet && strings.Join(segments, "/") == "oauth/access_token":
		g.handleExchange(w, r)
		return
	case g.isExpired(token):
		g.record(Operation{Kind: "rejected", ObjectID: strings.Join(segments, "/"), Token: token, Status: http.StatusBadRequest})
		writeError(w, http.StatusBadRequest, 190, 463, "Error validating access token: Session has expired")
		return
	}

	switch {
	case r.Method == http.MethodGet && len(segments) == 1 && segments[0] == "me":
		g.handleMe(w, token)
	case r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "me" && segments[1] == "accounts":
		g.handleAccounts(w, token)
	case r.Method == http.MethodGet && len(segments) == 1:
		g.handleObject(w, segments[0], token)
	case r.Method == http.MethodPost && len(segments) == 2 && segments[1] == "live_videos":
		g.handleCreateBroadcast(w, r, segments[0], token)
	case r.Method == http.MethodPost && len(segments) == 2 && segments[1] == "comments":
		g.handleComment(w, r, segments[0], token)
	case r.Method == http.MethodPost && len(segments) == 1:
		g.handleUpdate(w, r, segments[0], token)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (g *Graph) handleExchange(w http.ResponseWriter, r *http.Request) {
	short := r.URL.Query().Get("fb_exchange_token")
	if short == "" {
		writeError(w, http.StatusBadRequest, 100, 0, "Missing fb_exchange_token parameter")
		return
	}
	long := g.opts.AccountToken
	if long == "" {
		long = "long-" + short
	}
	g.record(Operation{Kind: "exchange", Token: short, Status: http.StatusOK})
	writeJSON(w, map[string]interface{}{"access_token": long, "token_type": "bearer", "expires_in": 5184000})
}

func (g *Graph) handleMe(w http.ResponseWriter, token string) {
	g.record(Operation{Kind: "me", Token: token, Status: http.StatusOK})
	writeJSON(w, map[string]string{"id": g.opts.AccountID, "name": g.opts.AccountName})
}

func (g *Graph) handleAccounts(w http.ResponseWriter, token string) {
	if expected := strings.TrimSpace(g.opts.AccountToken); expected != "" && token != expected {
		writeError(w, http.StatusBadRequest, 190, 467, "Invalid OAuth access token.")
		return
	}
	g.mu.Lock()
	data := make([]map[string]string, 0, len(g.opts.Pages))
	for _, page := range g.opts.Pages {
		data = append(data, map[string]string{
			"id":           page.ID,
			"name":         page.Name,
			"category":     "Media",
			"access_token": g.pageTokens[page.ID],
		})
	}
	g.mu.Unlock()
	g.record(Operation{Kind: "accounts", Token: token, Status: http.StatusOK})
	writeJSON(w, map[string]interface{}{"data": data})
}

func (g *Graph) handleObject(w http.ResponseWriter, id, token string) {
	g.mu.Lock()
	b, isBroadcast := g.broadcasts[id]
	var status string
	var views int
	failing := false
	if isBroadcast {
		status, views = b.status, b.views
		g.statusCalls++
		failing = g.statusCalls <= g.opts.FailLiveStatus
	}
	g.mu.Unlock()

	if isBroadcast {
		if failing {
			g.record(Operation{Kind: "live-status", ObjectID: id, Token: token, Status: http.StatusInternalServerError})
			writeError(w, http.StatusInternalServerError, 2, 0, "An unexpected error has occurred. Please retry your request later.")
			return
		}
		g.record(Operation{Kind: "live-status", ObjectID: id, Token: token, Status: http.StatusOK})
		writeJSON(w, map[string]interface{}{"id": id, "status": status, "live_views": views})
		return
	}

	for _, page := range g.opts.Pages {
		if page.ID == id {
			g.record(Operation{Kind: "page-details", ObjectID: id, Token: token, Status: http.StatusOK})
			writeJSON(w, map[string]interface{}{"id": page.ID, "name": page.Name, "category": "Media", "fan_count": 1200})
			return
		}
	}
	writeError(w, http.StatusNotFound, 803, 0, fmt.Sprintf("Some of the aliases you requested do not exist: %s", id))
}

func (g *Graph) handleCreateBroadcast(w http.ResponseWriter, r *http.Request, pageID, token string) {
	if !g.pageTokenValid(pageID, token) {
		writeError(w, http.StatusBadRequest, 190, 467, "Invalid OAuth access token.")
		return
	}
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, 0, "Invalid parameter")
		return
	}

	g.mu.Lock()
	g.seq++
	b := &broadcast{
		id:      fmt.Sprintf("b-%d", g.seq),
		videoID: fmt.Sprintf("v-%d", g.seq),
		pageID:  pageID,
		status:  "LIVE",
		views:   g.opts.LiveViews,
	}
	g.broadcasts[b.id] = b
	g.mu.Unlock()

	g.record(Operation{Kind: "create-broadcast", ObjectID: pageID, Token: token, Title: req["title"], Status: http.StatusOK})
	writeJSON(w, map[string]string{
		"id":                b.id,
		"video_id":          b.videoID,
		"stream_url":        "rtmp://stub.invalid/rtmp/" + b.id,
		"secure_stream_url": "rtmps://stub.invalid:443/rtmp/" + b.id,
	})
}

func (g *Graph) handleUpdate(w http.ResponseWriter, r *http.Request, id, token string) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, 0, "Invalid parameter")
		return
	}
	g.record(Operation{Kind: "update-broadcast", ObjectID: id, Token: token, Title: req["title"], Status: http.StatusOK})
	writeJSON(w, map[string]bool{"success": true})
}

func (g *Graph) handleComment(w http.ResponseWriter, r *http.Request, id, token string) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, 0, "Invalid parameter")
		return
	}
	g.mu.Lock()
	g.seq++
	commentID := fmt.Sprintf("%s_c%d", id, g.seq)
	g.mu.Unlock()
	g.record(Operation{Kind: "comment", ObjectID: id, Token: token, Message: req["message"], Status: http.StatusOK})
	writeJSON(w, map[string]string{"id": commentID})
}

func (g *Graph) pageTokenValid(pageID, token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	expected, ok := g.pageTokens[pageID]
	if !ok {
		return true
	}
	return expected == token
}

func (g *Graph) isExpired(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.expired[token]
	return ok
}

func (g *Graph) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operations = append(g.operations, op)
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status, code, subcode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"message":    message,
		"type":       "OAuthException",
		"code":       code,
		"fbtrace_id": "stub",
	}
	if subcode != 0 {
		body["error_subcode"] = subcode
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
