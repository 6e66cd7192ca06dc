// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/events"
	"github.com/AleutianAI/AleutianOps/services/proposer/lifecycle"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("failed to write websocket JSON", "error", err)
	}
	return err
}

// ProposalEvents streams one proposal's lifecycle events over a websocket.
//
// # Description
//
// The connection opens with a synthetic transition event carrying the
// proposal's current state, then forwards hub events as they happen.
// The stream ends when the proposal reaches a terminal state or the
// client disconnects. Slow readers lose events rather than stalling the
// pipeline; the closing state event makes the final outcome reliable.
func ProposalEvents(engine *lifecycle.Engine, hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		p, err := engine.Get(c.Request.Context(), id)
		if err != nil {
			writeEngineError(c, err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		ch, cancel := hub.Subscribe(id)
		defer cancel()
		slog.Info("event subscriber connected", "proposal_id", id)

		// Current state first, so a late subscriber does not start blind.
		if err := sendJSON(ws, events.Event{
			Type:       events.TypeTransition,
			ProposalID: p.ID,
			Timestamp:  time.Now().UTC(),
			ToState:    string(p.State),
			Reason:     p.StateReason,
		}); err != nil {
			return
		}
		if p.State.Terminal() {
			return
		}

		// The read loop only detects the client going away; subscribers
		// send nothing meaningful.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := sendJSON(ws, ev); err != nil {
					return
				}
				if ev.Type == events.TypeTransition && datatypes.ProposalState(ev.ToState).Terminal() {
					return
				}
			case <-clientGone:
				slog.Info("event subscriber disconnected", "proposal_id", id)
				return
			}
		}
	}
}
