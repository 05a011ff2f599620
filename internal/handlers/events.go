package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/orchestrator"
)

const closeInternalError = websocket.StatusCode(4500)

// StreamTaskEvents upgrades to a websocket and streams task state changes.
// Every frame is one JSON-encoded update; the first frame is a snapshot of
// the task's current state. The stream closes normally once the task reaches
// a terminal status. Clients should treat each frame as the latest state: a
// subscriber that falls behind loses intermediate frames, not the final one.
func StreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := taskID(r)
	var task database.DeploymentTask
	if err := database.DB.First(&task, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] websocket accept failed for task %s: %v", id, err)
		return
	}
	defer conn.CloseNow()

	// No client frames are expected; CloseRead cancels the context when the
	// client goes away.
	ctx := conn.CloseRead(r.Context())

	// Subscribe before the snapshot read so transitions in between are not
	// lost. The snapshot may then arrive newer than the first queued update.
	updates, cancel := Orch.Subscribe(id)
	defer cancel()

	if err := database.DB.First(&task, "id = ?", id).Error; err != nil {
		conn.Close(closeInternalError, "task vanished")
		return
	}
	snapshot := orchestrator.Update{
		TaskID:   task.ID,
		Epoch:    task.Epoch,
		Status:   task.Status,
		Progress: task.Progress,
		Error:    task.Error,
	}
	if !writeEvent(ctx, conn, snapshot) {
		return
	}
	if task.Terminal() {
		conn.Close(websocket.StatusNormalClosure, "task finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !writeEvent(ctx, conn, u) {
				return
			}
			switch u.Status {
			case database.TaskCompleted, database.TaskFailed, database.TaskCancelled:
				conn.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, u orchestrator.Update) bool {
	data, err := json.Marshal(u)
	if err != nil {
		conn.Close(closeInternalError, "encode failed")
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
