package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coinlordd/pear-limit-engine/models"
	"github.com/coinlordd/pear-limit-engine/reader/wsclient"
)

const bookFrame = `{"channel":"l2Book","data":{"coin":"BTC","time":1700000000000,"levels":[[{"px":"100.5","sz":"2","n":3}],[{"px":"101.5","sz":"1.5","n":1}]]}}`

func TestParseIncoming(t *testing.T) {
	p := Protocol{}
	cases := []struct {
		name       string
		frame      string
		dispatches int
		protoErr   bool
		decodeErr  bool
	}{
		{"book", bookFrame, 1, false, false},
		{"subscription response", `{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`, 0, false, false},
		{"already subscribed", `{"channel":"error","data":"Already subscribed: {\"type\":\"l2Book\"}"}`, 0, false, false},
		{"remote error", `{"channel":"error","data":"Invalid subscription"}`, 0, true, false},
		{"unknown channel", `{"channel":"trades","data":[]}`, 0, false, true},
		{"garbage", `[1,2`, 0, false, true},
	}
	for _, c := range cases {
		ds, err := p.ParseIncoming([]byte(c.frame))
		var perr *wsclient.ProtocolError
		isProto := errors.As(err, &perr)
		if len(ds) != c.dispatches || isProto != c.protoErr || (err != nil && !isProto) != c.decodeErr {
			t.Errorf("%s: dispatches=%d err=%v", c.name, len(ds), err)
		}
	}

	ds, _ := p.ParseIncoming([]byte(bookFrame))
	if ds[0].Key != "l2Book:BTC" {
		t.Fatalf("dispatch key = %s", ds[0].Key)
	}
	if key := p.SubscriptionKey(SubscriptionPayload{Type: "l2Book", Coin: "BTC"}); key != ds[0].Key {
		t.Fatalf("subscription key %s does not match dispatch key %s", key, ds[0].Key)
	}
}

func TestSubscribeMessageShape(t *testing.T) {
	msg := Protocol{}.SubscribeMessage(wsclient.Subscription[SubscriptionPayload]{
		Key:     "l2Book:ETH",
		Payload: SubscriptionPayload{Type: "l2Book", Coin: "ETH"},
	})
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"method":"subscribe","subscription":{"type":"l2Book","coin":"ETH","nSigFigs":null,"mantissa":null}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}

func TestToBook(t *testing.T) {
	ds, err := Protocol{}.ParseIncoming([]byte(bookFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	book, err := ToBook(ds[0].Message.Book)
	if err != nil {
		t.Fatalf("to book: %v", err)
	}
	mid, err := book.Mid()
	if err != nil || mid != 101 {
		t.Fatalf("mid = %v, %v", mid, err)
	}
	if book.Bids[0].Count != 3 || book.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected book %+v", book)
	}

	bad := ds[0].Message.Book
	bad.Levels[1] = []L2BookLevel{{Px: "nan?", Sz: "1"}}
	if _, err := ToBook(bad); err == nil {
		t.Fatalf("expected price parse error")
	}
}

func createMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func TestClientBookOverWebsocket(t *testing.T) {
	var mu sync.Mutex
	var received []string
	var connections int

	server := createMockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connections++
		first := connections == 1
		mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, string(data))
			mu.Unlock()

			conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"subscriptionResponse","data":{}}`))
			conn.WriteMessage(websocket.TextMessage, []byte(bookFrame))
			if first {
				// drop the first connection to exercise the reconnect path
				return
			}
		}
	})
	defer server.Close()

	c := NewClient(wsclient.Options{
		URL:               httpToWS(server.URL),
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
	})
	defer c.Close()

	books := make(chan models.Book, 4)
	c.Book("BTC", func(b models.Book) error {
		books <- b
		return nil
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case b := <-books:
			if b.Symbol != "BTC" || len(b.Bids) != 1 {
				t.Fatalf("unexpected book %+v", b)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("book %d not received", i+1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if connections < 2 {
		t.Fatalf("expected a reconnect, got %d connections", connections)
	}
	for _, r := range received {
		if !strings.Contains(r, `"method":"subscribe"`) || !strings.Contains(r, `"coin":"BTC"`) {
			t.Fatalf("unexpected control frame %s", r)
		}
	}
}
