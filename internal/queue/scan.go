package queue

import (
	"encoding/json"
	"time"
)

// TypeGateReturn labels gate-scan return events on the queue.
const TypeGateReturn = "gate-return"

// ScanEvent is a gate device reporting a pass scanned at the gate on the
// student's way back in.
type ScanEvent struct {
	GateID    string    `json:"gate_id"`
	Token     string    `json:"token"`
	ScannedAt time.Time `json:"scanned_at"`
}

// NewScanMessage wraps a scan event for publishing.
func NewScanMessage(evt ScanEvent) (Message, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeGateReturn, Body: body}, nil
}

// ParseScanEvent decodes a gate-return message body.
func ParseScanEvent(msg Message) (ScanEvent, error) {
	var evt ScanEvent
	err := json.Unmarshal(msg.Body, &evt)
	return evt, err
}
