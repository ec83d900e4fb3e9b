package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-vhal/vhal"
)

func TestRemoteHardwareDriverGetValuesAndNotification(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() {
			time.Sleep(30 * time.Millisecond)
			note := jsonrpcNotification{
				JSONRPC: "2.0",
				Method:  "propertyChanged",
				Params:  json.RawMessage(`{"PropID":10,"AreaID":0}`),
			}
			b, _ := json.Marshal(note)
			_ = c.WriteMessage(websocket.TextMessage, b)
		}()
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req jsonrpcRequest
			require.NoError(t, json.Unmarshal(msg, &req))
			result := json.RawMessage(`[{"RequestID":1,"Status":0,"Value":{"PropID":10,"AreaID":0}}]`)
			resp := jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
			b, _ := json.Marshal(resp)
			_ = c.WriteMessage(websocket.TextMessage, b)
		}
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"

	driver := NewRemoteHardwareDriver(u.String(), vhal.StaticAuth{Value: ""})
	require.NoError(t, driver.Connect(context.Background()))
	defer driver.Close()

	changed := make(chan vhal.PropertyValue, 1)
	driver.RegisterOnPropertyChangeCallback(func(v vhal.PropertyValue) { changed <- v })

	replies := make(chan []vhal.GetValueResult, 1)
	status := driver.GetValues([]vhal.GetRequest{{RequestID: 1, PropID: 10, AreaID: vhal.GlobalArea}}, func(results []vhal.GetValueResult) {
		replies <- results
	})
	require.Equal(t, vhal.StatusOK, status)

	select {
	case results := <-replies:
		require.Len(t, results, 1)
		require.Equal(t, vhal.StatusOK, results[0].Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for getValues reply")
	}

	select {
	case v := <-changed:
		require.Equal(t, vhal.PropertyID(10), v.PropID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for property change notification")
	}
}
