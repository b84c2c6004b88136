package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	// DefaultWaitCap bounds long-poll suspension regardless of the
	// requested wait, to stay under typical gateway idle-timeouts.
	DefaultWaitCap = 29 * time.Second
	// InlinePayloadLimit is the serialized size under which a payload
	// is attached inline to a changed entry.
	InlinePayloadLimit = 1024
)

// ErrInvalidRequest marks malformed protocol input. Handlers map it
// to a 400; it is never retried.
var ErrInvalidRequest = errors.New("invalid request")

func errStatus(code int) error {
	return errors.New("unexpected status " + strconv.Itoa(code))
}

// PayloadProvider fetches the application payload for a key so small
// updates can ride inline on the sync response. Optional.
type PayloadProvider func(ctx context.Context, key string) (json.RawMessage, error)

// Config configures a Server. Zero values get sensible defaults.
type Config struct {
	ID             string
	Address        string
	Peers          []string
	AllowedOrigins []string
	Storage        Storage
	Accelerator    Accelerator
	Hooks          InvalidationHooks
	Payload        PayloadProvider
	Logger         *zap.Logger
	Clock          clockwork.Clock
	Client         *http.Client
	Metrics        *Metrics
	WaitCap        time.Duration
	InlineLimit    int
}

// Server is one coordination-plane instance: protocol handlers, mesh
// coordinator, and the invalidation broker that feeds long-poll
// suspensions. It implements http.Handler, so it can sit behind a
// listener or be called in-process through the client registry.
type Server struct {
	id          string
	storage     Storage
	mesh        *Mesh
	broker      *Broker
	accelerator Accelerator
	hooks       InvalidationHooks
	txHooks     TransactionHooks
	payload     PayloadProvider
	logger      *zap.Logger
	clock       clockwork.Clock
	metrics     *Metrics
	waitCap     time.Duration
	inlineLimit int

	handler     http.Handler
	httpServer  *http.Server
	started     time.Time
	unsubscribe func()
}

// NewServer wires a server from config.
func NewServer(config Config) *Server {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Storage == nil {
		config.Storage = NewMemoryStorage()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.WaitCap == 0 {
		config.WaitCap = DefaultWaitCap
	}
	if config.InlineLimit == 0 {
		config.InlineLimit = InlinePayloadLimit
	}

	s := &Server{
		id:          config.ID,
		storage:     config.Storage,
		broker:      NewBroker(),
		accelerator: config.Accelerator,
		hooks:       config.Hooks,
		payload:     config.Payload,
		logger:      config.Logger,
		clock:       config.Clock,
		metrics:     config.Metrics,
		waitCap:     config.WaitCap,
		inlineLimit: config.InlineLimit,
		started:     config.Clock.Now(),
	}
	if th, ok := config.Hooks.(TransactionHooks); ok {
		s.txHooks = th
	}
	s.mesh = NewMesh(MeshConfig{
		ServerID: config.ID,
		Peers:    config.Peers,
		Client:   config.Client,
		Clock:    config.Clock,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})

	// accelerator hints wake local long-poll listeners early; the
	// woken request re-reads the store, so a bogus hint only costs a
	// read
	if s.accelerator != nil {
		s.unsubscribe = s.accelerator.Subscribe(func(keys []string) {
			s.broker.Publish(Invalidation{Keys: keys})
		})
	}

	router := mux.NewRouter()
	router.HandleFunc(RoutePrefix+"/sync", SyncHandler(s)).Methods("POST")
	router.HandleFunc(RoutePrefix+"/invalidate", InvalidateHandler(s)).Methods("POST")
	router.HandleFunc(RoutePrefix+"/update", UpdateHandler(s)).Methods("POST")
	router.HandleFunc(RoutePrefix+"/versions", VersionsHandler(s)).Methods("GET")
	router.HandleFunc(RoutePrefix+"/activity/{key:.+}", ActivityHandler(s)).Methods("GET")
	router.HandleFunc(RoutePrefix+"/health", HealthHandler(s)).Methods("GET")
	router.HandleFunc(RoutePrefix+"/mesh", MeshStatusHandler(s.mesh)).Methods("GET")
	router.HandleFunc(RoutePrefix+"/version", VersionHandler()).Methods("GET")
	if config.Metrics != nil {
		router.Handle(RoutePrefix+"/metrics", config.Metrics.Handler()).Methods("GET")
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", GossipHeader, ServerHeader},
		ExposedHeaders: []string{GossipHeader, ServerHeader},
	}).Handler(router)

	return s
}

// ID returns the server id.
func (s *Server) ID() string {
	return s.id
}

// Mesh returns the mesh coordinator.
func (s *Server) Mesh() *Mesh {
	return s.mesh
}

// ServeHTTP dispatches to the protocol routes with CORS applied.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Start listens on the configured address and serves until Close.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s.handler}
	s.logger.Info("relay server listening", zap.String("address", listener.Addr().String()), zap.String("id", s.id))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Close shuts the listener down and detaches from the accelerator.
func (s *Server) Close(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Sync computes the delta for a client's known-version map. When
// nothing changed and the request carries a wait, the call suspends
// until a relevant invalidation arrives or the wait (capped) elapses,
// then recomputes from a fresh read. No lock is held while suspended.
func (s *Server) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if req.Wait < 0 {
		return nil, ErrInvalidRequest
	}
	keys := make([]string, 0, len(req.Known))
	for key := range req.Known {
		keys = append(keys, key)
	}

	changed, err := s.computeDelta(ctx, req.Known)
	if err != nil {
		s.metrics.syncObserved("error")
		return nil, err
	}

	if len(changed) == 0 && req.Wait > 0 && len(keys) > 0 {
		wait := time.Duration(req.Wait) * time.Millisecond
		if wait > s.waitCap {
			wait = s.waitCap
		}
		woken, cancel := s.broker.Subscribe(keys)
		defer cancel()

		// the subscription is registered before this second read, so
		// an invalidation landing between read and suspension still
		// wakes us instead of being lost
		changed, err = s.computeDelta(ctx, req.Known)
		if err != nil {
			s.metrics.syncObserved("error")
			return nil, err
		}
		if len(changed) == 0 {
			timer := s.clock.NewTimer(wait)
			defer timer.Stop()
			s.metrics.longpollEnter()
			select {
			case <-ctx.Done():
				s.metrics.longpollExit()
				return nil, ctx.Err()
			case <-timer.Chan():
			case <-woken:
			}
			s.metrics.longpollExit()
			changed, err = s.computeDelta(ctx, req.Known)
			if err != nil {
				s.metrics.syncObserved("error")
				return nil, err
			}
		}
	}

	maxVersion, err := s.storage.MaxVersion()
	if err != nil {
		s.metrics.syncObserved("error")
		return nil, err
	}
	s.mesh.UpdateMaxVersion(maxVersion)
	s.metrics.syncObserved("ok")
	return &SyncResponse{
		Changed: changed,
		Mesh: MeshInfo{
			Peers:         s.mesh.PeersView(),
			ServerVersion: maxVersion,
		},
		ServerTime: s.clock.Now().UnixMilli(),
	}, nil
}

// computeDelta compares the client's view against the store. Keys the
// server does not know yield a zero entry, which the client must take
// as authoritative.
func (s *Server) computeDelta(ctx context.Context, known map[string]int64) (map[string]ChangedNode, error) {
	keys := make([]string, 0, len(known))
	for key := range known {
		keys = append(keys, key)
	}
	metas, err := s.storage.GetNodes(keys)
	if err != nil {
		return nil, err
	}
	changed := make(map[string]ChangedNode)
	for key, clientVersion := range known {
		meta, ok := metas[key]
		if !ok {
			changed[key] = ChangedNode{}
			continue
		}
		if meta.Version == clientVersion {
			continue
		}
		entry := ChangedNode{
			Version: meta.Version,
			Hash:    meta.Hash,
			Source:  s.id,
		}
		if s.payload != nil {
			if raw, err := s.payload(ctx, key); err == nil && len(raw) > 0 && len(raw) <= s.inlineLimit {
				entry.Payload = raw
			}
		}
		changed[key] = entry
	}
	return changed, nil
}

// Invalidate bumps the version of each key, wakes suspended sync
// requests, and opportunistically forwards the invalidation to mesh
// peers. Propagation failures never reach the caller.
func (s *Server) Invalidate(ctx context.Context, req InvalidateRequest) (*InvalidateResponse, error) {
	if len(req.Keys) == 0 {
		return nil, ErrInvalidRequest
	}
	for _, key := range req.Keys {
		if !validKey(key) {
			return nil, ErrInvalidRequest
		}
	}
	keys, err := expandKeys(s.storage, req.Keys)
	if err != nil {
		return nil, err
	}
	versions := make(map[string]int64, len(keys))
	for _, key := range keys {
		// manual invalidation carries no content hash: the empty
		// hash never matches a recorded one, so clients refetch
		meta, err := s.storage.IncrementVersion(key, "")
		if err != nil {
			return nil, err
		}
		versions[key] = meta.Version
	}
	maxVersion, _ := s.storage.MaxVersion()
	s.mesh.UpdateMaxVersion(maxVersion)
	s.metrics.invalidated(len(keys))

	s.broker.Publish(Invalidation{Keys: keys, Versions: versions, Source: req.Source})
	if s.accelerator != nil {
		for _, key := range keys {
			s.accelerator.InvalidateCache(key)
		}
		s.accelerator.PublishInvalidation(keys)
	}
	if s.hooks != nil {
		s.hooks.OnInvalidate(keys)
	}
	if s.mesh.ShouldPropagate(req.Source, req.Timestamp) {
		// patterns travel unexpanded so each peer resolves them
		// against its own stored keys
		s.mesh.PropagateInvalidation(req.Keys, req.Source, req.Timestamp)
	}
	return &InvalidateResponse{Invalidated: keys, Versions: versions}, nil
}

// Update records a content change for a key: new version, new hash.
func (s *Server) Update(ctx context.Context, req UpdateRequest) (NodeMeta, error) {
	if !validKey(req.Key) || IsGlobKey(req.Key) {
		return NodeMeta{}, ErrInvalidRequest
	}
	meta, err := s.storage.IncrementVersion(req.Key, req.Hash)
	if err != nil {
		return NodeMeta{}, err
	}
	s.mesh.UpdateMaxVersion(meta.Version)
	s.broker.Publish(Invalidation{
		Keys:     []string{req.Key},
		Versions: map[string]int64{req.Key: meta.Version},
	})
	if s.accelerator != nil {
		s.accelerator.InvalidateCache(req.Key)
	}
	if s.hooks != nil {
		s.hooks.OnInvalidate([]string{req.Key})
	}
	return meta, nil
}

// VersionsSince lists everything changed after a version, with the
// current gossip snapshot attached.
func (s *Server) VersionsSince(since int64) (*VersionsResponse, error) {
	changed, err := s.storage.ListChangedSince(since)
	if err != nil {
		return nil, err
	}
	maxVersion, err := s.storage.MaxVersion()
	if err != nil {
		return nil, err
	}
	s.mesh.UpdateMaxVersion(maxVersion)
	return &VersionsResponse{
		Gossip:  s.mesh.Payload(),
		Changed: changed,
	}, nil
}

// CatchUp reconciles missed invalidations from the mesh, typically
// after a restart or a partition: the freshest reachable peer's
// changed-set is merged into local state last-write-wins by update
// time. Returns the number of adopted entries.
func (s *Server) CatchUp(ctx context.Context) (int, error) {
	remote, err := s.mesh.QueryPeerVersions(ctx, 0)
	if err != nil || len(remote) == 0 {
		return 0, err
	}
	local, err := s.storage.ListChangedSince(0)
	if err != nil {
		return 0, err
	}

	adopted := diffNewerMetas(local, remote)
	if len(adopted) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(adopted))
	versions := make(map[string]int64, len(adopted))
	for _, meta := range adopted {
		if err := s.storage.SetNode(meta); err != nil {
			return 0, err
		}
		keys = append(keys, meta.Key)
		versions[meta.Key] = meta.Version
	}
	maxVersion, _ := s.storage.MaxVersion()
	s.mesh.UpdateMaxVersion(maxVersion)
	s.broker.Publish(Invalidation{Keys: keys, Versions: versions})
	s.logger.Info("caught up from mesh", zap.Int("adopted", len(adopted)))
	return len(adopted), nil
}

// HealthStatus reports this server's condition: unhealthy when the
// store fails its health check, degraded when peers are configured
// but none is healthy.
func (s *Server) HealthStatus() HealthResponse {
	maxVersion, _ := s.storage.MaxVersion()
	storageHealthy := s.storage.IsHealthy()
	peers := s.mesh.Status()
	healthyPeers := len(s.mesh.HealthyPeers())

	status := Healthy
	if len(peers) > 0 && healthyPeers == 0 {
		status = Degraded
	}
	if !storageHealthy {
		status = Unhealthy
	}
	return HealthResponse{
		Status:   status,
		ServerID: s.id,
		Version:  maxVersion,
		Uptime:   int64(s.clock.Since(s.started) / time.Second),
		Mesh: MeshHealth{
			PeerCount:    len(peers),
			HealthyPeers: healthyPeers,
		},
		Storage: StorageHealth{
			Healthy:    storageHealthy,
			MaxVersion: maxVersion,
		},
	}
}

// RunInTransaction runs fn under the transaction hooks when the
// configured hooks support them, then invalidates the affected keys.
func (s *Server) RunInTransaction(ctx context.Context, fn func() error, affectedKeys []string) error {
	if s.txHooks != nil {
		if err := s.txHooks.BeforeTransaction(fn); err != nil {
			return err
		}
		s.txHooks.AfterTransaction(affectedKeys)
	} else if err := fn(); err != nil {
		return err
	}
	if len(affectedKeys) == 0 {
		return nil
	}
	_, err := s.Invalidate(ctx, InvalidateRequest{Keys: affectedKeys})
	return err
}
