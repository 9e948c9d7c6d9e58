package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"

	"mtproto_core/internal/mterr"
)

// Websocket sends every payload as one binary websocket message.
type Websocket struct {
	conn *websocket.Conn

	wmu sync.Mutex
	rmu sync.Mutex
}

// Dial opens the datacenter session endpoint for user.
func Dial(ctx context.Context, rawURL, user string) (*Websocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}
	u.Path = "/init"
	u.RawQuery = url.Values{
		"userID": []string{user},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, mterr.Transport("dial", err)
	}
	return Wrap(conn), nil
}

func Wrap(conn *websocket.Conn) *Websocket {
	return &Websocket{conn: conn}
}

func (w *Websocket) Send(ctx context.Context, payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return mterr.Transport("send", err)
	}
	return mterr.Transport("send", w.conn.WriteMessage(websocket.BinaryMessage, payload))
}

// Recv blocks until a binary message arrives. Cancelling ctx unblocks the
// read, after which the connection is no longer readable.
func (w *Websocket) Recv(ctx context.Context) ([]byte, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return nil, mterr.Transport("recv", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mterr.Transport("recv", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (w *Websocket) Close() error {
	w.wmu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.conn.Close()
}
