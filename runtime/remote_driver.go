package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/go-vhal/vhal"
)

// RemoteHardwareDriver implements HardwareDriver over a JSON-RPC channel
// carried on a websocket connection to a hardware daemon. A read error
// triggers one reconnect attempt; a second consecutive failure tears the
// connection down and every pending call fails.
//
// JSON-RPC request shape: {"jsonrpc":"2.0","id":"<uuid>","method":...,"params":...}.
// Responses are matched by id; messages without one are treated as
// propertyChanged notifications.
type RemoteHardwareDriver struct {
	url  string
	auth vhal.AuthStrategy

	dialer *websocket.Dialer
	connMu sync.RWMutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	changeMu sync.RWMutex
	onChange func(vhal.PropertyValue)

	closed chan struct{}
}

// NewRemoteHardwareDriver builds a driver that will dial wsURL on Connect.
func NewRemoteHardwareDriver(wsURL string, auth vhal.AuthStrategy) *RemoteHardwareDriver {
	return &RemoteHardwareDriver{
		url:     wsURL,
		auth:    auth,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
}

type jsonrpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type jsonrpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Connect dials the hardware daemon and starts the read loop.
func (r *RemoteHardwareDriver) Connect(ctx context.Context) error {
	header := http.Header{}
	if r.auth != nil {
		if v, err := r.auth.AuthorizationValue(); err == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		logrus.WithField("url", r.url).WithError(err).Error("failed to dial hardware daemon")
		return err
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	logrus.WithField("url", r.url).Info("connected to hardware daemon")
	go r.readLoop()
	return nil
}

// Close tears down the connection and fails every pending call.
func (r *RemoteHardwareDriver) Close() error {
	select {
	case <-r.closed:
		return nil
	default:
		close(r.closed)
	}
	r.connMu.Lock()
	c := r.conn
	r.conn = nil
	r.connMu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	r.pendingMu.Lock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.pendingMu.Unlock()
	return nil
}

func (r *RemoteHardwareDriver) call(method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()

	r.connMu.RLock()
	conn := r.conn
	r.connMu.RUnlock()
	if conn == nil {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, errors.New("runtime: remote hardware driver not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("runtime: remote call %q timed out", method)
	case raw, ok := <-ch:
		if !ok {
			return nil, errors.New("runtime: connection closed")
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("runtime: remote error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// GetAllPropertyConfigs fetches the daemon's property table once at startup.
func (r *RemoteHardwareDriver) GetAllPropertyConfigs() ([]vhal.PropertyConfig, error) {
	result, err := r.call("getAllPropertyConfigs", nil, 10*time.Second)
	if err != nil {
		return nil, err
	}
	var configs []vhal.PropertyConfig
	if err := json.Unmarshal(result, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// GetValues issues an asynchronous getValues RPC. The synchronous return
// value is always StatusOK; encoding and RPC failures simply never invoke
// onReply, which the caller's PendingRequestPool deadline will observe as a
// timeout.
func (r *RemoteHardwareDriver) GetValues(reqs []vhal.GetRequest, onReply func([]vhal.GetValueResult)) vhal.StatusCode {
	go func() {
		result, err := r.call("getValues", reqs, 10*time.Second)
		if err != nil {
			return
		}
		var results []vhal.GetValueResult
		if err := json.Unmarshal(result, &results); err != nil {
			return
		}
		onReply(results)
	}()
	return vhal.StatusOK
}

// SetValues issues an asynchronous setValues RPC, mirroring GetValues.
func (r *RemoteHardwareDriver) SetValues(reqs []vhal.SetRequest, onReply func([]vhal.SetValueResult)) vhal.StatusCode {
	go func() {
		result, err := r.call("setValues", reqs, 10*time.Second)
		if err != nil {
			return
		}
		var results []vhal.SetValueResult
		if err := json.Unmarshal(result, &results); err != nil {
			return
		}
		onReply(results)
	}()
	return vhal.StatusOK
}

// RegisterOnPropertyChangeCallback installs the handler the read loop calls
// for every propertyChanged notification.
func (r *RemoteHardwareDriver) RegisterOnPropertyChangeCallback(fn func(vhal.PropertyValue)) {
	r.changeMu.Lock()
	r.onChange = fn
	r.changeMu.Unlock()
}

// reconnect redials the hardware daemon once, for readLoop to call after a
// single read error, and swaps it in as the active connection. Requests
// already in flight on the old connection are left to the
// PendingRequestPool's timeout; reconnect only restores the transport for
// subsequent calls and notifications.
func (r *RemoteHardwareDriver) reconnect() error {
	select {
	case <-r.closed:
		return errors.New("runtime: driver closed")
	default:
	}
	header := http.Header{}
	if r.auth != nil {
		if v, err := r.auth.AuthorizationValue(); err == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := r.dialer.DialContext(context.Background(), r.url, header)
	if err != nil {
		return err
	}
	r.connMu.Lock()
	old := r.conn
	r.conn = conn
	r.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	logrus.WithField("url", r.url).Info("reconnected to hardware daemon")
	return nil
}

func (r *RemoteHardwareDriver) readLoop() {
	reconnected := false
	for {
		r.connMu.RLock()
		conn := r.conn
		r.connMu.RUnlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !reconnected {
				reconnected = true
				logrus.WithError(err).Warn("hardware daemon connection lost; attempting one reconnect")
				if rerr := r.reconnect(); rerr == nil {
					continue
				}
				logrus.WithError(err).Error("hardware daemon reconnect failed")
			} else {
				logrus.WithError(err).Warn("hardware daemon connection lost")
			}
			_ = r.Close()
			return
		}
		reconnected = false

		var resp jsonrpcResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID != "" {
			r.pendingMu.Lock()
			ch, found := r.pending[resp.ID]
			if found {
				delete(r.pending, resp.ID)
			}
			r.pendingMu.Unlock()
			if found {
				ch <- data
				close(ch)
			}
			continue
		}

		var note jsonrpcNotification
		if err := json.Unmarshal(data, &note); err != nil || note.Method != "propertyChanged" {
			continue
		}
		var value vhal.PropertyValue
		if err := json.Unmarshal(note.Params, &value); err != nil {
			continue
		}
		r.changeMu.RLock()
		fn := r.onChange
		r.changeMu.RUnlock()
		if fn != nil {
			fn(value)
		}
	}
}
