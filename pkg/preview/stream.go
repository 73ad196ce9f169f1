package preview

import (
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gorilla/websocket"

	"rig-shutter/pkg/utils"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMJPEG writes the preview as multipart/x-mixed-replace JPEG parts until
// ctx is done, the mailbox closes or the client goes away.
func StreamMJPEG(ctx context.Context, w http.ResponseWriter, m *Mailbox, quality int) error {
	mimeWriter := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mimeWriter.Boundary())
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	var seq uint64
	for {
		f, ok := m.NextContext(ctx, seq)
		if !ok {
			return nil
		}
		seq = f.Seq
		data, err := JPEG(f, quality)
		if err != nil {
			return err
		}
		partWriter, err := mimeWriter.CreatePart(partHeader)
		if err != nil {
			return err
		}
		if _, err = partWriter.Write(data); err != nil {
			return err
		}
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}

// ServeWS upgrades the request and pushes every preview frame as a binary
// JPEG message.
func ServeWS(w http.ResponseWriter, r *http.Request, m *Mailbox, quality int) error {
	logger := utils.GetLogger()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// read pump: only detects the client going away
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warnf("preview websocket: %s", err)
				}
				return
			}
		}
	}()

	var seq uint64
	for {
		f, ok := m.NextContext(ctx, seq)
		if !ok {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		seq = f.Seq
		data, err := JPEG(f, quality)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err = conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return err
		}
	}
}
