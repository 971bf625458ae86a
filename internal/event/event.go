// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package event builds, encodes and validates the user interaction events
// published by the simulator.
package event

import (
	"time"

	"go.elastic.co/fastjson"
)

// Type is the kind of user interaction.
type Type string

const (
	AppOpen       Type = "app_open"
	Search        Type = "search"
	AppInstall    Type = "app_install"
	ReviewSubmit  Type = "review_submit"
	InAppPurchase Type = "in_app_purchase"
	AppClose      Type = "app_close"
	AppUninstall  Type = "app_uninstall"
)

// Types lists every valid Type.
var Types = []Type{AppOpen, Search, AppInstall, ReviewSubmit, InAppPurchase, AppClose, AppUninstall}

// Valid reports whether t is one of Types.
func (t Type) Valid() bool {
	for _, v := range Types {
		if t == v {
			return true
		}
	}
	return false
}

// Event is a single user interaction. Events are immutable once built.
type Event struct {
	ID          string
	UserID      string
	CountryCode string
	Type        Type
	Timestamp   time.Time
	// Payload is a JSON object with type-specific details.
	Payload []byte

	SessionID  string
	AppID      string
	DeviceType string
	OSVersion  string
	// GeneratedAt is the wall-clock time the event was built.
	GeneratedAt time.Time
}

// MarshalFastJSON writes e as a single JSON object.
func (e *Event) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"event_id":`)
	w.String(e.ID)
	w.RawString(`,"user_id":`)
	w.String(e.UserID)
	w.RawString(`,"country_code":`)
	w.String(e.CountryCode)
	w.RawString(`,"event_type":`)
	w.String(string(e.Type))
	w.RawString(`,"event_timestamp":`)
	w.String(e.Timestamp.UTC().Format(time.RFC3339Nano))
	w.RawString(`,"payload":`)
	if len(e.Payload) == 0 {
		w.RawString(`{}`)
	} else {
		w.RawBytes(e.Payload)
	}
	if e.SessionID != "" {
		w.RawString(`,"session_id":`)
		w.String(e.SessionID)
	}
	if e.AppID != "" {
		w.RawString(`,"app_id":`)
		w.String(e.AppID)
	}
	if e.DeviceType != "" {
		w.RawString(`,"device_type":`)
		w.String(e.DeviceType)
	}
	if e.OSVersion != "" {
		w.RawString(`,"os_version":`)
		w.String(e.OSVersion)
	}
	if !e.GeneratedAt.IsZero() {
		w.RawString(`,"generation_timestamp":`)
		w.Int64(e.GeneratedAt.UnixMicro())
	}
	w.RawByte('}')
	return nil
}

// Encode returns e as a JSON document.
func (e *Event) Encode() []byte {
	var w fastjson.Writer
	_ = e.MarshalFastJSON(&w)
	return w.Bytes()
}
