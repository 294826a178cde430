package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/coder/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/steveyegge/docsync/internal/remote"
)

// maxMessageSize bounds a single websocket message after decompression.
const maxMessageSize = 32 << 20

// streamWebSocket follows a feed=websocket connection. caughtUp is set, and
// the caught-up event emitted, the first time the server sends an empty
// batch.
func (t *Tracker) streamWebSocket(ctx context.Context, events chan<- event, caughtUp *bool) error {
	header, err := t.cfg.Remote.Header()
	if err != nil {
		return err
	}

	wsURL := t.cfg.Remote.WebSocketURL("_changes", url.Values{"feed": {"websocket"}})
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.cfg.Remote.HTTPClient(),
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil && resp.StatusCode >= 300 {
			return &remote.HTTPError{
				StatusCode: resp.StatusCode,
				Method:     "GET",
				URL:        wsURL,
				Reason:     resp.Status,
			}
		}
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	opts, err := json.Marshal(t.feedOptions("websocket"))
	if err != nil {
		return fmt.Errorf("failed to marshal feed options: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, opts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to send feed options: %w", err)
	}

	received := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				if !received {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
		received = true

		if typ == websocket.MessageBinary {
			data, err = gunzip(data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadJSON, err)
			}
		}

		var batch []*Entry
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("%w: %v", ErrBadJSON, err)
		}

		if len(batch) == 0 {
			if !*caughtUp {
				*caughtUp = true
				if !t.emit(ctx, events, event{caughtUp: true}) {
					return ctx.Err()
				}
			}
			continue
		}

		for _, e := range batch {
			if !t.emitEntry(ctx, events, e) {
				return ctx.Err()
			}
		}
	}
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxMessageSize))
}

// GzipMessage compresses a websocket message body the way binary frames are
// expected to arrive.
func GzipMessage(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
