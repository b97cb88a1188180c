package mulawjson_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/audio"
	"github.com/voxline-ai/voxline/pkg/carrier"
	"github.com/voxline-ai/voxline/pkg/carrier/mulawjson"
)

// startStream spins up a WebSocket server that wraps each accepted
// connection in an Adapter, and dials it. The test drives the carrier side
// through the returned client connection.
func startStream(t *testing.T) (*mulawjson.Adapter, *websocket.Conn) {
	t.Helper()

	adapters := make(chan *mulawjson.Adapter, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		adapters <- mulawjson.New(conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })

	select {
	case a := <-adapters:
		t.Cleanup(func() { a.Close() })
		return a, client
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted the connection")
		return nil, nil
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEvent(t *testing.T, a *mulawjson.Adapter) carrier.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return ev
}

func TestRecv_StartMediaStop(t *testing.T) {
	t.Parallel()
	a, client := startStream(t)

	send(t, client, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MS1234"},
	})
	// 160 µ-law silence bytes: one 20 ms frame at 8 kHz.
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = 0xFF
	}
	send(t, client, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(silence)},
	})
	send(t, client, map[string]any{"event": "stop"})

	startEv, ok := recvEvent(t, a).(carrier.StartEvent)
	if !ok || startEv.StreamSID != "MS1234" {
		t.Fatalf("first event = %#v; want StartEvent MS1234", startEv)
	}

	frameEv, ok := recvEvent(t, a).(carrier.FrameEvent)
	if !ok {
		t.Fatal("second event is not a FrameEvent")
	}
	if got := len(frameEv.Frame.PCM); got != audio.FrameBytes16k {
		t.Errorf("frame length = %d; want %d (resampled to 16 kHz)", got, audio.FrameBytes16k)
	}
	if frameEv.Frame.RMS != 0 {
		t.Errorf("silence frame RMS = %f; want 0", frameEv.Frame.RMS)
	}
	if frameEv.Frame.Seq != 0 {
		t.Errorf("first frame Seq = %d; want 0", frameEv.Frame.Seq)
	}

	if _, ok := recvEvent(t, a).(carrier.StopEvent); !ok {
		t.Fatal("third event is not a StopEvent")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.Recv(ctx); !errors.Is(err, carrier.ErrClosed) {
		t.Errorf("Recv after stop = %v; want ErrClosed", err)
	}
}

func TestRecv_SkipsUndecodablePayload(t *testing.T) {
	t.Parallel()
	a, client := startStream(t)

	send(t, client, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": "not-base64!!!"},
	})
	good := base64.StdEncoding.EncodeToString(make([]byte, 160))
	send(t, client, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": good},
	})

	if _, ok := recvEvent(t, a).(carrier.FrameEvent); !ok {
		t.Fatal("expected the bad payload to be skipped and the good frame returned")
	}
	stats := a.Stats()
	if stats.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d; want 1", stats.DecodeErrors)
	}
	if stats.FramesIn != 1 {
		t.Errorf("FramesIn = %d; want 1", stats.FramesIn)
	}
}

func TestSend_WrapsMulawEnvelope(t *testing.T) {
	t.Parallel()
	a, client := startStream(t)

	send(t, client, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MS9"},
	})
	recvEvent(t, a) // consume StartEvent so the SID is recorded

	// One 20 ms chunk of model audio: 480 samples at 24 kHz.
	if err := a.Send(context.Background(), make([]byte, 960)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}

	var env struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != "media" || env.StreamSID != "MS9" {
		t.Errorf("envelope = %+v; want media event tagged MS9", env)
	}
	ulaw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.Fatalf("payload base64: %v", err)
	}
	// 480 samples at 24 kHz downsample to 160 µ-law bytes at 8 kHz.
	if len(ulaw) != 160 {
		t.Errorf("payload length = %d; want 160", len(ulaw))
	}
}

func TestSend_OddLengthPCM(t *testing.T) {
	t.Parallel()
	a, _ := startStream(t)

	if err := a.Send(context.Background(), []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for misaligned PCM")
	}
}
