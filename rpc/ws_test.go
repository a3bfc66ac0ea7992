package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"refi/core/events"
	"refi/core/types"
)

func TestEventStreamDeliversMigrationEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.httpSrv.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// The handshake completes before the server registers its bus
	// subscription, so give the handler a moment to attach.
	time.Sleep(100 * time.Millisecond)

	if _, rpcErr, _ := env.call(testAuthToken, "migration_execute", env.planParam()); rpcErr != nil {
		t.Fatalf("unexpected error: %+v", rpcErr)
	}

	seen := make(map[string]bool)
	for !seen[events.TypeMigrationSettled] {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read frame: %v (saw %v)", err, seen)
		}
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		seen[event.Type] = true
	}
	if !seen[events.TypeLegOpened] {
		t.Fatalf("missing leg events, saw %v", seen)
	}
}
