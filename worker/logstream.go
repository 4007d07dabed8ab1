// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"zombiezen.com/go/log"

	"nixdispatch.dev/pkg/internal/jsonrpc"
	"nixdispatch.dev/pkg/internal/zbstorerpc"
	"nixdispatch.dev/pkg/zbstore"
)

// logStreamPollInterval is how often [LogStreamHandler] re-polls
// zb.readLog for a build that has not yet produced more bytes,
// mirroring [localStorePollInterval]'s build-status poll cadence.
const logStreamPollInterval = 500 * time.Millisecond

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// LogStreamHandler serves a build's log over a WebSocket connection as it
// grows, the worker-side analogue of
// narvanalabs-control-plane/internal/terminal.Service's use of
// github.com/gorilla/websocket for a live byte stream, applied here to a
// build log instead of a PTY.
type LogStreamHandler struct {
	client *jsonrpc.Client
}

// NewLogStreamHandler returns a [LogStreamHandler] that reads build logs
// from the store daemon store is dialed to.
func NewLogStreamHandler(store *LocalStore) *LogStreamHandler {
	return &LogStreamHandler{client: store.client}
}

// Routes mounts the handler's routes onto r, expected to be reached as
// GET /builds/{id}/log?drvPath=....
func (h *LogStreamHandler) Routes(r chi.Router) {
	r.Get("/builds/{id}/log", h.serveWS)
}

func (h *LogStreamHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	drvPath, err := zbstore.ParsePath(r.URL.Query().Get("drvPath"))
	if buildID == "" || err != nil {
		http.Error(w, "missing or invalid drvPath", http.StatusBadRequest)
		return
	}

	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf(r.Context(), "worker: upgrade log stream for build %s: %v", buildID, err)
		return
	}
	defer conn.Close()

	if err := h.stream(r.Context(), conn, buildID, drvPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Debugf(r.Context(), "worker: log stream for build %s closed: %v", buildID, err)
	}
}

func (h *LogStreamHandler) stream(ctx context.Context, conn *websocket.Conn, buildID string, drvPath zbstore.Path) error {
	req := &zbstorerpc.ReadLogRequest{BuildID: buildID, DrvPath: drvPath}
	for {
		resp := new(zbstorerpc.ReadLogResponse)
		err := jsonrpc.Do(ctx, h.client, zbstorerpc.ReadLogMethod, resp, req)
		if err != nil {
			conn.WriteMessage(websocket.TextMessage, []byte("error: "+err.Error()))
			return err
		}

		payload, err := resp.Payload()
		if err != nil {
			return err
		}
		if len(payload) > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return err
			}
			req.RangeStart += int64(len(payload))
		}
		if resp.EOF {
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log complete"))
		}
		if len(payload) == 0 {
			select {
			case <-time.After(logStreamPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
