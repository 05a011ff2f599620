package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/vesselhq/vessel/internal/sshterm"
)

const closeSSHFailed = websocket.StatusCode(4502)

type resizeMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ConsoleTerminal upgrades to a websocket and attaches an interactive shell
// on the host. Binary frames carry terminal bytes in both directions; text
// frames carry control messages, currently only resize. The console lives
// exactly as long as the websocket.
func ConsoleTerminal(w http.ResponseWriter, r *http.Request) {
	hostID, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	shell := r.URL.Query().Get("shell")
	if err := sshterm.ValidateShell(shell); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := Hosts.Get(hostID); err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] websocket accept failed for host %d: %v", hostID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(sshterm.MaxInputMessageSize)

	client, err := Access.Dial(r.Context(), hostID)
	if err != nil {
		conn.Close(closeSSHFailed, "ssh connect failed")
		return
	}
	console, err := Consoles.Open(client, hostID, shell)
	if err != nil {
		client.Close()
		conn.Close(closeInternalError, "failed to start shell")
		return
	}
	defer Consoles.Close(console.ID)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	go func() {
		defer relayCancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := console.Term.Stdout.Read(buf)
			if n > 0 {
				if werr := conn.Write(relayCtx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "shell exited")
				return
			}
		}
	}()

	limiter := sshterm.NewRateLimiter(sshterm.MessageRateLimit, sshterm.MessageRateBurst)
	for {
		typ, data, err := conn.Read(relayCtx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			continue
		}
		switch typ {
		case websocket.MessageBinary:
			if _, err := console.Term.Stdin.Write(data); err != nil {
				conn.Close(websocket.StatusNormalClosure, "shell exited")
				return
			}
		case websocket.MessageText:
			var msg resizeMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "resize" {
				continue
			}
			if err := console.Term.Resize(msg.Cols, msg.Rows); err != nil {
				log.Printf("[terminal] resize rejected for console %s: %v", console.ID, err)
			}
		}
	}
}

// ListConsoles returns the live consoles, optionally narrowed to ?host_id.
func ListConsoles(w http.ResponseWriter, r *http.Request) {
	infos := Consoles.List(uint(queryInt(r, "host_id", 0)))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consoles": infos, "count": len(infos),
	})
}

// CloseConsole force-closes one console by id.
func CloseConsole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "consoleID")
	if Consoles.Get(id) == nil {
		writeError(w, http.StatusNotFound, "Console not found")
		return
	}
	Consoles.Close(id)
	w.WriteHeader(http.StatusNoContent)
}
