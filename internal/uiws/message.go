package uiws

import (
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/telephony"
	"github.com/google/uuid"
)

// Message types sent to the UI.
const (
	TypeReportIncoming   = "report_incoming"
	TypeReportEnded      = "report_ended"
	TypeReportConnecting = "report_connecting"
	TypeReportConnected  = "report_connected"
	TypeTransaction      = "transaction"
	TypeActionResult     = "action_result"
)

// Message types received from the UI.
const (
	TypeAck              = "ack"
	TypeAction           = "action"
	TypeReset            = "reset"
	TypeAudioActivated   = "audio_activated"
	TypeAudioDeactivated = "audio_deactivated"
)

// Message is the single frame format in both directions. Seq correlates a
// report_incoming or transaction with its ack, and an action with its
// action_result.
type Message struct {
	Type        string                 `json:"type"`
	Seq         uint64                 `json:"seq,omitempty"`
	TransportID uuid.UUID              `json:"transport_id,omitzero"`
	At          time.Time              `json:"at,omitzero"`
	Update      *telephony.Update      `json:"update,omitempty"`
	Category    call.Category          `json:"category,omitempty"`
	Transaction *telephony.Transaction `json:"transaction,omitempty"`
	Action      *ActionRequest         `json:"action,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ActionRequest is a user action performed in the UI.
type ActionRequest struct {
	Kind   telephony.ActionKind `json:"kind"`
	Handle string               `json:"handle,omitempty"`
	Video  bool                 `json:"video,omitempty"`
	Muted  bool                 `json:"muted,omitempty"`
}
