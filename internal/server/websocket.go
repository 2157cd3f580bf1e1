package server

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"parley/internal/domain"
	"parley/internal/gateway"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	opText  byte = 0x1
	opClose byte = 0x8
	opPing  byte = 0x9
	opPong  byte = 0xA
)

const (
	closeNormal          = 1000
	closePolicyViolation = 1008
)

const maxClientFrame = 1 << 20

func (s *server) registerWebSocket(router chi.Router, basePath string) {
	router.Get(path.Join(basePath, "threads/{id}/ws"), s.handleThreadSocket)
}

// handleThreadSocket upgrades the connection, replays the thread
// backlog, registers the socket for live delivery, and then pumps
// inbound frames into the messaging gateway. Authentication runs after
// the upgrade so failures can be reported with a policy-violation
// close instead of a plain HTTP status the client never sees.
func (s *server) handleThreadSocket(w http.ResponseWriter, req *http.Request) {
	threadID := chi.URLParam(req, "id")
	ticket := strings.TrimSpace(req.URL.Query().Get("ticket"))

	conn, rw, err := upgradeWebSocket(w, req)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusBadRequest, "websocket_upgrade_failed", err.Error(), nil))
		return
	}
	defer conn.Close()

	principal, err := authenticateJWT(ticket, s.auth.JWTSecret)
	if err != nil {
		writeCloseFrame(conn, closePolicyViolation, "invalid ticket")
		return
	}

	h := &wsHandle{conn: conn}
	ctx := req.Context()

	if err := s.gw.Connect(ctx, threadID, principal.IdentityID, h); err != nil {
		switch {
		case errors.Is(err, domain.ErrThreadClosed):
			// the backlog was already replayed; signal closure and go
			writeCloseFrame(conn, closeNormal, "thread closed")
		case errors.Is(err, domain.ErrUnauthorized):
			writeCloseFrame(conn, closePolicyViolation, "not a participant")
		case errors.Is(err, domain.ErrNotFound):
			writeCloseFrame(conn, closePolicyViolation, "thread not found")
		default:
			writeCloseFrame(conn, closePolicyViolation, "connection refused")
		}
		return
	}
	defer s.gw.Disconnect(threadID, h)

	idleTimeout := time.Duration(0)
	if s.gw.Config != nil && s.gw.Config.Messaging.IdleTimeoutSeconds > 0 {
		idleTimeout = time.Duration(s.gw.Config.Messaging.IdleTimeoutSeconds) * time.Second
	}

	s.readLoop(ctx, conn, rw.Reader, h, threadID, principal.IdentityID, idleTimeout)
}

type inboundFrame struct {
	Content string `json:"content"`
}

func (s *server) readLoop(ctx context.Context, conn net.Conn, r *bufio.Reader, h *wsHandle, threadID, identityID string, idleTimeout time.Duration) {
	for {
		opcode, payload, err := readWebSocketFrame(conn, r, idleTimeout)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.close(closeNormal, "idle timeout")
			}
			return
		}
		switch opcode {
		case opClose:
			h.close(closeNormal, "")
			return
		case opPing:
			_ = h.writeFrame(opPong, payload)
		case opPong:
			// unsolicited pongs are fine
		case opText:
			var in inboundFrame
			if err := json.Unmarshal(payload, &in); err != nil {
				_ = h.sendError("malformed frame")
				continue
			}
			if _, err := s.gw.Send(ctx, threadID, identityID, in.Content, h); err != nil {
				if errors.Is(err, domain.ErrThreadClosed) {
					h.close(closeNormal, "thread closed")
					return
				}
				_ = h.sendError(err.Error())
			}
		default:
			// binary and continuation frames are not part of the protocol
			h.close(closePolicyViolation, "unsupported frame")
			return
		}
	}
}

// wsHandle adapts one websocket connection to the registry's Handle
// interface. All frame writes serialize through its mutex.
type wsHandle struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (h *wsHandle) Send(payload []byte) error {
	return h.writeFrame(opText, payload)
}

func (h *wsHandle) CloseNormal(reason string) error {
	h.close(closeNormal, reason)
	return nil
}

func (h *wsHandle) sendError(reason string) error {
	data, _ := json.Marshal(gateway.Frame{Type: "error", Reason: reason})
	return h.writeFrame(opText, data)
}

func (h *wsHandle) writeFrame(opcode byte, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return net.ErrClosed
	}
	return writeWebSocketFrame(h.conn, opcode, payload)
}

func (h *wsHandle) close(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	writeCloseFrame(h.conn, code, reason)
	_ = h.conn.Close()
}

func upgradeWebSocket(w http.ResponseWriter, req *http.Request) (net.Conn, *bufio.ReadWriter, error) {
	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") {
		return nil, nil, fmt.Errorf("connection header must include Upgrade")
	}
	if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket") {
		return nil, nil, fmt.Errorf("upgrade header must be websocket")
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")) != "13" {
		return nil, nil, fmt.Errorf("sec-websocket-version must be 13")
	}
	websocketKey := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if websocketKey == "" {
		return nil, nil, fmt.Errorf("sec-websocket-key is required")
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}

	accept := websocketAcceptKey(websocketKey)
	response := strings.Builder{}
	response.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	response.WriteString("Upgrade: websocket\r\n")
	response.WriteString("Connection: Upgrade\r\n")
	response.WriteString("Sec-WebSocket-Accept: ")
	response.WriteString(accept)
	response.WriteString("\r\n")
	response.WriteString("\r\n")
	if _, err := rw.WriteString(response.String()); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rw, nil
}

func websocketAcceptKey(key string) string {
	hash := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

func writeWebSocketFrame(conn net.Conn, opcode byte, payload []byte) error {
	header := make([]byte, 0, 10)
	header = append(header, 0x80|opcode)
	size := len(payload)
	switch {
	case size <= 125:
		header = append(header, byte(size))
	case size <= 65535:
		header = append(header, 126)
		header = append(header, byte(size>>8), byte(size))
	default:
		header = append(header, 127)
		extended := make([]byte, 8)
		binary.BigEndian.PutUint64(extended, uint64(size))
		header = append(header, extended...)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return err
	}
	return nil
}

func writeCloseFrame(conn net.Conn, code int, reason string) {
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)
	if len(payload) > 125 {
		payload = payload[:125]
	}
	_ = writeWebSocketFrame(conn, opClose, payload)
}

// readWebSocketFrame reads one client frame. Clients must mask their
// payloads; fragmented messages are not supported.
func readWebSocketFrame(conn net.Conn, r *bufio.Reader, idleTimeout time.Duration) (byte, []byte, error) {
	if idleTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return 0, nil, err
		}
	} else {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, nil, err
		}
	}
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if header[0]&0x80 == 0 {
		return 0, nil, fmt.Errorf("fragmented frames are not supported")
	}
	opcode := header[0] & 0x0f
	masked := header[1]&0x80 != 0
	size := uint64(header[1] & 0x7f)
	switch size {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		size = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return 0, nil, err
		}
		size = binary.BigEndian.Uint64(ext)
	}
	if size > maxClientFrame {
		return 0, nil, fmt.Errorf("frame too large")
	}
	if !masked {
		return 0, nil, fmt.Errorf("client frames must be masked")
	}
	maskKey := make([]byte, 4)
	if _, err := io.ReadFull(r, maskKey); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return opcode, payload, nil
}

func headerContainsToken(header string, token string) bool {
	parts := strings.Split(header, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), strings.TrimSpace(token)) {
			return true
		}
	}
	return false
}
