// Package server emulates one datacenter: it answers key exchanges, binds
// temporary keys and relays secret chats between connected users.
package server

import (
	"context"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 user ids only
	"encoding/binary"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/transport"
	"mtproto_core/internal/utils/log"
)

type Options struct {
	DC         int
	PrivateKey rsakey.PrivateKey
	Prime      *big.Int
	G          int
	DHVersion  int

	Users UserStore
	Keys  KeyRegistry
	Queue UpdateQueue

	Registry *prometheus.Registry
	Logger   *zap.Logger
	Rand     io.Reader
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.Users == nil {
		o.Users = NewMemoryUsers()
	}
	if o.Keys == nil {
		o.Keys = NewMemoryKeys()
	}
	if o.Queue == nil {
		o.Queue = NewMemoryQueue()
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = log.Named("server")
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.G == 0 {
		o.G = 3
	}
	if o.DHVersion == 0 {
		o.DHVersion = 1
	}
}

type (
	HttpServer struct {
		opt     Options
		log     *zap.Logger
		metrics *metrics
		relay   *relay

		mu     sync.Mutex
		mapper map[int64]*session
	}
)

func NewHttpServer(opt Options) (*HttpServer, error) {
	opt.setDefaults()
	if opt.Prime == nil {
		return nil, mterr.Configuration("no DH prime")
	}
	return &HttpServer{
		opt:     opt,
		log:     opt.Logger,
		metrics: newMetrics(opt.Registry),
		relay:   newRelay(),
		mapper:  make(map[int64]*session),
	}, nil
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/users/{name}", s.GetUser()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.opt.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is done.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Listening", zap.String("addr", addr), zap.Int("dc", s.opt.DC))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// UserID derives the public id of a user from its name.
func UserID(name string) int64 {
	h := sha1.Sum([]byte(name))
	return int64(binary.LittleEndian.Uint64(h[:8]) & (1<<62 - 1))
}

// user returns the user named name, creating it on first use.
func (s *HttpServer) user(ctx context.Context, name string) (*model.User, error) {
	u, err := s.opt.Users.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	u = &model.User{Name: name, UserID: UserID(name)}
	if _, err := s.opt.Users.Create(ctx, u); err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	s.log.Info("User created", zap.String("name", name), zap.Int64("user_id", u.UserID))
	return u, nil
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("userID")
		if name == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		u, err := s.user(r.Context(), name)
		if err != nil {
			s.log.Error("Resolve user failed", zap.Error(err))
			http.Error(w, "resolve user failed", http.StatusInternalServerError)
			return
		}

		s.mu.Lock()
		_, dup := s.mapper[u.UserID]
		s.mu.Unlock()
		if dup {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("Upgrade failed", zap.Error(err))
			return
		}

		ws := transport.Wrap(conn)
		go func() {
			defer ws.Close()
			// The request context ends with the handler.
			if err := s.HandleConn(context.Background(), *u, ws); err != nil {
				s.log.Debug("Session closed", zap.String("user", name), zap.Error(err))
			}
		}()
	}
}

// HandleConn runs the session of user on conn until the connection fails.
func (s *HttpServer) HandleConn(ctx context.Context, u model.User, conn transport.Conn) error {
	sess := newSession(s, u, conn)

	s.mu.Lock()
	if _, ok := s.mapper[u.UserID]; ok {
		s.mu.Unlock()
		return errors.Errorf("user %d is already connected", u.UserID)
	}
	s.mapper[u.UserID] = sess
	s.mu.Unlock()
	s.metrics.sessions.Inc()

	defer func() {
		s.mu.Lock()
		delete(s.mapper, u.UserID)
		s.mu.Unlock()
		s.metrics.sessions.Dec()
	}()
	return sess.serve(ctx)
}

// Forget drops the temporary key of the session of user. The next message
// of the client is answered with -404.
func (s *HttpServer) Forget(userID int64) bool {
	s.mu.Lock()
	sess, ok := s.mapper[userID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.unbind()
	sess.codec.ResetKey()
	return true
}

func (s *HttpServer) session(userID int64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapper[userID]
}

func (s *HttpServer) GetUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name := mux.Vars(r)["name"]

		u, err := s.opt.Users.GetByName(ctx, name)
		if err != nil {
			s.log.Error("Get user failed", zap.Error(err))
			http.Error(w, "get user failed", http.StatusInternalServerError)
			return
		}
		if u == nil {
			http.Error(w, "user does not exist", http.StatusNotFound)
			return
		}

		data, err := json.Marshal(u)
		if err != nil {
			s.log.Error("Marshal user failed", zap.Error(err))
			http.Error(w, "get user failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
