// Package logging writes one JSON object per line through the standard logger.
package logging

import (
	"encoding/json"
	"log"
	"time"
)

// Fields is the fixed set of keys a lifecycle log line may carry.
type Fields struct {
	Service    string `json:"service"`
	Timestamp  string `json:"timestamp"`
	LockID     string `json:"lock_id,omitempty"`
	CartID     string `json:"cart_id,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Service is the default service name stamped on lines that leave it empty.
var Service = "checkout-lock"

var nowFunc = time.Now

// Log emits fields as a single JSON line.
func Log(fields Fields) {
	if fields.Service == "" {
		fields.Service = Service
	}
	if fields.Timestamp == "" {
		fields.Timestamp = nowFunc().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(fields)
	if err != nil {
		log.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", fields.Service, err.Error())
		return
	}
	log.Print(string(data))
}

// Error is a shorthand for a failed step.
func Error(step, lockID, cartID string, err error) {
	Log(Fields{Step: step, LockID: lockID, CartID: cartID, Status: "error", Error: err.Error()})
}
