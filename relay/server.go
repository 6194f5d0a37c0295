package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type FeedServerSettings struct {
	TransportSettings *WebsocketTransportSettings
	ProxySettings     *FeedProxySettings
}

func DefaultFeedServerSettings() *FeedServerSettings {
	return &FeedServerSettings{
		TransportSettings: DefaultWebsocketTransportSettings(),
		ProxySettings:     DefaultFeedProxySettings(),
	}
}

// FeedServer exposes the filtered feed as a websocket endpoint:
//
//	GET /v1/feed/{feedId}?mode=live|one-shot&since=N
//
// The viewer authenticates with a bearer token (or `token` query param,
// for clients that cannot set headers on websocket dial). The first
// message on the socket announces the resume cursor; on one-shot feeds
// the last message carries the cursor to use on next reconnect.
type FeedServer struct {
	resolver    PrincipalResolver
	source      RecordSource
	lookup      DocumentLookup
	policy      *Policy
	cursors     CursorStore
	revocations RevocationSignal

	sessions *SessionTable
	upgrader *websocket.Upgrader
	settings *FeedServerSettings

	// optional ingest surface, see EnableIngest
	appender  RecordAppender
	documents DocumentPutter
}

// RecordAppender accepts a new change record into a feed.
type RecordAppender interface {
	Append(feedId string, documentId string, revision string, deleted bool) *ChangeRecord
}

// DocumentPutter stores a document projection at a revision.
type DocumentPutter interface {
	Put(document *Document, revision string)
}

func NewFeedServerWithDefaults(
	resolver PrincipalResolver,
	source RecordSource,
	lookup DocumentLookup,
	policy *Policy,
	cursors CursorStore,
	revocations RevocationSignal,
) *FeedServer {
	return NewFeedServer(resolver, source, lookup, policy, cursors, revocations, DefaultFeedServerSettings())
}

func NewFeedServer(
	resolver PrincipalResolver,
	source RecordSource,
	lookup DocumentLookup,
	policy *Policy,
	cursors CursorStore,
	revocations RevocationSignal,
	settings *FeedServerSettings,
) *FeedServer {
	return &FeedServer{
		resolver:    resolver,
		source:      source,
		lookup:      lookup,
		policy:      policy,
		cursors:     cursors,
		revocations: revocations,
		sessions:    NewSessionTable(),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

// EnableIngest exposes POST /v1/ingest/{feedId} to administrative
// principals. This is a convenience surface for single-node deployments
// where the relay embeds its own source; with an external change feed it
// stays disabled.
func (self *FeedServer) EnableIngest(appender RecordAppender, documents DocumentPutter) {
	self.appender = appender
	self.documents = documents
}

func (self *FeedServer) Router() *http.ServeMux {
	router := http.NewServeMux()
	router.HandleFunc("/v1/feed/", self.handleFeed)
	router.HandleFunc("/healthz", self.handleHealth)
	if self.appender != nil {
		router.HandleFunc("/v1/ingest/", self.handleIngest)
	}
	return router
}

type ingestRequest struct {
	Document *Document `json:"document"`
	Revision string    `json:"revision"`
	Deleted  bool      `json:"deleted,omitempty"`
}

func (self *FeedServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	feedId := strings.TrimPrefix(r.URL.Path, "/v1/ingest/")
	if feedId == "" || strings.Contains(feedId, "/") {
		http.Error(w, "bad feed id", http.StatusBadRequest)
		return
	}

	principal, err := self.resolver.Resolve(r.Context(), requestToken(r))
	if err != nil {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	if principal.Role != RoleAdmin {
		http.Error(w, "admin only", http.StatusForbidden)
		return
	}

	var ingest ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&ingest); err != nil || ingest.Document == nil || ingest.Document.Id == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !ingest.Deleted {
		self.documents.Put(ingest.Document, ingest.Revision)
	}
	record := self.appender.Append(feedId, ingest.Document.Id, ingest.Revision, ingest.Deleted)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]uint64{"seq": record.Sequence})
}

func (self *FeedServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func requestToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

func (self *FeedServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	feedId := strings.TrimPrefix(r.URL.Path, "/v1/feed/")
	if feedId == "" || strings.Contains(feedId, "/") {
		http.Error(w, "bad feed id", http.StatusBadRequest)
		return
	}

	token := requestToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	// resolved fresh on every connection, never cached across reconnects
	principal, err := self.resolver.Resolve(r.Context(), token)
	if err != nil {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}

	mode := FeedModeLive
	switch r.URL.Query().Get("mode") {
	case "", string(FeedModeLive):
	case string(FeedModeOneShot):
		mode = FeedModeOneShot
	default:
		http.Error(w, "bad mode", http.StatusBadRequest)
		return
	}

	var since *uint64
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		sinceSequence, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = &sinceSequence
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[server]upgrade failed: %s\n", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// a second session for the same (principal, feed) takes over the
	// cursor. the previous session is cancelled first
	release := self.sessions.Acquire(principal.Id, feedId, cancel)
	defer release()

	transport := NewWebsocketTransport(ctx, conn, self.settings.TransportSettings)
	defer transport.Close()

	proxy := NewFeedProxy(
		ctx,
		principal,
		feedId,
		mode,
		since,
		self.source,
		self.lookup,
		self.policy,
		self.cursors,
		transport,
		self.revocations,
		self.settings.ProxySettings,
	)
	if err := proxy.Run(); err != nil {
		glog.V(1).Infof("[server]session ended: %s\n", err)
	}
}
