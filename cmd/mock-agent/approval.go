package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cardev/car/pkg/appserver"
)

// requestApproval sends a server-initiated request and blocks on the read
// loop until the client answers it. Returns true only for an explicit
// accept. A turn/interrupt received while waiting is acknowledged and ends
// the turn as interrupted; other requests get a busy error so the stream
// never deadlocks.
func (a *agent) requestApproval(t *mockTurn, method string, params map[string]any) bool {
	a.reqSeq++
	id := fmt.Sprintf("approval_%d", a.reqSeq)
	raw, err := json.Marshal(params)
	if err != nil {
		return false
	}
	_ = a.enc.Encode(appserver.Request{ID: id, Method: method, Params: raw})

	for a.in.Scan() {
		line := bytes.TrimSpace(a.in.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg wireMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch {
		case msg.hasID() && msg.Method == "":
			if decodeWireID(msg.ID) != id {
				continue
			}
			return approvalGranted(msg)
		case msg.Method == appserver.MethodTurnInterrupt:
			if msg.hasID() {
				a.respond(msg.ID, map[string]any{}, nil)
			}
			a.completeTurn(t, "interrupted")
			return false
		case msg.hasID():
			a.respond(msg.ID, nil, &appserver.Error{
				Code:    appserver.InvalidRequest,
				Message: "busy: approval pending",
			})
		default:
			// Notifications are dropped while an approval is pending.
		}
	}
	return false
}

// approvalGranted reads the two answer shapes clients use: a decision
// string or a bare approve flag.
func approvalGranted(msg wireMsg) bool {
	if msg.Error != nil || len(msg.Result) == 0 {
		return false
	}
	var body struct {
		Decision string `json:"decision"`
		Approve  *bool  `json:"approve"`
	}
	if err := json.Unmarshal(msg.Result, &body); err != nil {
		return false
	}
	if body.Approve != nil {
		return *body.Approve
	}
	switch body.Decision {
	case "accept", "acceptForSession":
		return true
	}
	return false
}
