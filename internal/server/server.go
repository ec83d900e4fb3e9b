// Package server exposes an Engine to clients over one websocket connection
// per client. Each connection gets a server-minted UUID callback identity;
// closing the connection is the client's death notification. Every
// getValues/setValues request, every getValues/setValues/getAllPropConfigs
// reply, and every propertyEvent/propertySetError delivery, travels as a
// runtime.Parcel:
// inline bytes when small, or a shared-memory handle when large. A client
// pulls a handle's bytes with "fetchRegion"; it pushes an oversized request
// batch the same way, by calling "storeRegion" first and sending the
// resulting handle instead of inline bytes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/go-vhal/vhal"
	"github.com/go-vhal/vhal/runtime"
)

// EngineConfig configures the engine-facing websocket server.
type EngineConfig struct {
	ListenAddr   string
	Engine       *runtime.Engine
	Logger       logrus.FieldLogger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ErrNilEngine is returned by StartEngineServer when no engine is supplied.
var ErrNilEngine = errors.New("engine server: engine is nil")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StartEngineServer starts an HTTP server upgrading every request on
// cfg.ListenAddr to a websocket and running one client session per
// connection. It returns the *http.Server, a channel that receives a
// terminal error (if any), and an error for immediate startup issues. The
// server stops when ctx is canceled.
func StartEngineServer(ctx context.Context, cfg EngineConfig) (*http.Server, <-chan error, error) {
	if cfg.Engine == nil {
		return nil, nil, ErrNilEngine
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8091"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/vhal", handleConnect(cfg.Engine, cfg.Logger))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 0),
		WriteTimeout: durationOr(cfg.WriteTimeout, 0),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		cfg.Logger.WithField("addr", cfg.ListenAddr).Info("vhal engine server listening (GET /vhal to upgrade)")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// request is the JSON shape a client sends over its websocket connection.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is the JSON shape the server sends back, mirroring request's
// method so a client can route it without separate framing.
type response struct {
	Method string      `json:"method"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func handleConnect(e *runtime.Engine, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		session := newClientSession(e, conn, logger)
		session.run()
	}
}

// clientSession owns one websocket connection and is the Callback
// implementation the engine delivers results and events through.
type clientSession struct {
	e        *runtime.Engine
	conn     *websocket.Conn
	logger   logrus.FieldLogger
	clientID vhal.ClientID

	writeMu chan struct{} // 1-buffered mutex so writes from the engine and the read loop never interleave
	dead    chan struct{}
}

func newClientSession(e *runtime.Engine, conn *websocket.Conn, logger logrus.FieldLogger) *clientSession {
	s := &clientSession{
		e:        e,
		conn:     conn,
		logger:   logger,
		clientID: vhal.ClientID(uuid.NewString()),
		writeMu:  make(chan struct{}, 1),
		dead:     make(chan struct{}),
	}
	s.writeMu <- struct{}{}
	return s
}

func (s *clientSession) run() {
	defer func() {
		close(s.dead)
		s.e.Clients.NotifyDeath(s.clientID)
		_ = s.conn.Close()
	}()

	getClient, setClient, subClient := s.e.Clients.GetOrCreate(s.clientID, s)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(response{Error: vhal.ErrDecodeFailed.Error()})
			continue
		}
		s.handle(req, getClient, setClient, subClient)
	}
}

func (s *clientSession) handle(req request, getClient *runtime.GetClient, setClient *runtime.SetClient, subClient *runtime.SubscriptionClient) {
	switch req.Method {
	case "getAllPropConfigs":
		parcel, err := s.e.Codec.EncodeConfigs(s.clientID, s.e.GetAllPropConfigs())
		if err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		s.send(response{Method: req.Method, Result: parcel})

	case "getValues":
		reqs, err := decodeParcel(s.e, s.clientID, req.Params, runtime.DecodeGetRequests)
		if err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		if err := s.e.Dispatcher.GetValues(getClient, reqs); err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
		}

	case "setValues":
		reqs, err := decodeParcel(s.e, s.clientID, req.Params, runtime.DecodeSetRequests)
		if err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		if err := s.e.Dispatcher.SetValues(setClient, reqs); err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
		}

	case "fetchRegion":
		var params struct {
			Handle uuid.UUID `json:"handle"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.send(response{Method: req.Method, Error: vhal.ErrMalformedHandle.Error()})
			return
		}
		region, ok := s.e.SharedMemory.Lookup(s.clientID, params.Handle)
		if !ok {
			s.send(response{Method: req.Method, Error: vhal.ErrMalformedHandle.Error()})
			return
		}
		s.send(response{Method: req.Method, Result: region.Bytes()})
		s.e.SharedMemory.Release(s.clientID, params.Handle)

	case "storeRegion":
		var payload []byte
		if err := json.Unmarshal(req.Params, &payload); err != nil {
			s.send(response{Method: req.Method, Error: vhal.ErrDecodeFailed.Error()})
			return
		}
		region, err := s.e.SharedMemory.Acquire(s.clientID, payload)
		if err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		s.send(response{Method: req.Method, Result: runtime.Parcel{Handle: region.Handle, Large: true}})

	case "subscribe":
		var opts []vhal.SubscribeOptions
		if err := json.Unmarshal(req.Params, &opts); err != nil {
			s.send(response{Method: req.Method, Error: vhal.ErrDecodeFailed.Error()})
			return
		}
		if err := s.e.Subscriptions.Subscribe(s.clientID, subClient, opts); err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		s.send(response{Method: req.Method})

	case "unsubscribe":
		var propIDs []vhal.PropertyID
		if err := json.Unmarshal(req.Params, &propIDs); err != nil {
			s.send(response{Method: req.Method, Error: vhal.ErrDecodeFailed.Error()})
			return
		}
		if err := s.e.Subscriptions.Unsubscribe(s.clientID, propIDs); err != nil {
			s.send(response{Method: req.Method, Error: err.Error()})
			return
		}
		s.send(response{Method: req.Method})

	default:
		s.send(response{Method: req.Method, Error: "unknown method"})
	}
}

// decodeParcel unmarshals params as a runtime.Parcel and runs its bytes
// through decode: inline bytes directly when Large is unset, or a handle's
// bytes read from the engine's SharedMemoryPool and released afterward. An
// unknown or missing handle fails with ErrMalformedHandle rather than
// reaching decode.
func decodeParcel[T any](e *runtime.Engine, clientID vhal.ClientID, params json.RawMessage, decode func([]byte) (T, error)) (T, error) {
	var zero T
	var parcel runtime.Parcel
	if err := json.Unmarshal(params, &parcel); err != nil {
		return zero, vhal.ErrDecodeFailed
	}
	if !parcel.Large {
		return decode(parcel.Inline)
	}
	region, ok := e.SharedMemory.Lookup(clientID, parcel.Handle)
	if !ok {
		return zero, vhal.ErrMalformedHandle
	}
	defer e.SharedMemory.Release(clientID, parcel.Handle)
	return decode(region.Bytes())
}

func (s *clientSession) send(resp response) {
	select {
	case <-s.dead:
		return
	case <-s.writeMu:
	}
	defer func() { s.writeMu <- struct{}{} }()

	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.WithField("client", s.clientID).WithError(err).Error("marshal response")
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.WithField("client", s.clientID).WithError(err).Warn("write to client failed")
	}
}

// Callback implementation, delivered from engine-owned goroutines.

func (s *clientSession) OnGetValues(results []vhal.GetValueResult) {
	s.encodeAndSend("getValues", func() (runtime.Parcel, error) {
		return s.e.Codec.EncodeGetResults(s.clientID, results)
	})
}

func (s *clientSession) OnSetValues(results []vhal.SetValueResult) {
	s.encodeAndSend("setValues", func() (runtime.Parcel, error) {
		return s.e.Codec.EncodeSetResults(s.clientID, results)
	})
}

func (s *clientSession) OnPropertyEvent(event vhal.PropertyEvent) {
	s.encodeAndSend("propertyEvent", func() (runtime.Parcel, error) {
		return s.e.Codec.EncodeEvent(s.clientID, event)
	})
}

func (s *clientSession) OnPropertySetError(errs vhal.PropertyErrors) {
	s.encodeAndSend("propertySetError", func() (runtime.Parcel, error) {
		return s.e.Codec.EncodeErrors(s.clientID, errs)
	})
}

// encodeAndSend runs encode and sends its Parcel as method's result,
// reporting an encode failure the same way a dispatch error is reported.
func (s *clientSession) encodeAndSend(method string, encode func() (runtime.Parcel, error)) {
	parcel, err := encode()
	if err != nil {
		s.logger.WithField("client", s.clientID).WithError(err).Error("encode parcel for delivery")
		s.send(response{Method: method, Error: err.Error()})
		return
	}
	s.send(response{Method: method, Result: parcel})
}
