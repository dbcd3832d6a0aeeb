package call

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusDialing    Status = "dialing"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// Role is the local party's role in the call.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// MediaKind is the media type negotiated for the call.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// IsVideo reports whether the call carries video.
func (m MediaKind) IsVideo() bool {
	return m == MediaVideo
}

// EndReason describes why a session reached StatusEnded.
type EndReason string

const (
	EndReasonNone                EndReason = "none"
	EndReasonCompleted           EndReason = "completed"
	EndReasonCanceled            EndReason = "canceled"
	EndReasonDeclined            EndReason = "declined"
	EndReasonTimedOut            EndReason = "timed_out"
	EndReasonConnectionLost      EndReason = "connection_lost"
	EndReasonAcceptFailed        EndReason = "accept_failed"
	EndReasonDialFailed          EndReason = "dial_failed"
	EndReasonOtherDeviceAccepted EndReason = "other_device_accepted"
	EndReasonNoAnswer            EndReason = "no_answer"
	EndReasonUnknown             EndReason = "unknown"
)

// AllEndReasons returns every end reason in the closed set.
func AllEndReasons() []EndReason {
	return []EndReason{
		EndReasonNone,
		EndReasonCompleted,
		EndReasonCanceled,
		EndReasonDeclined,
		EndReasonTimedOut,
		EndReasonConnectionLost,
		EndReasonAcceptFailed,
		EndReasonDialFailed,
		EndReasonOtherDeviceAccepted,
		EndReasonNoAnswer,
		EndReasonUnknown,
	}
}

// Category is the telephony-UI facing classification of an end reason.
type Category string

const (
	CategoryFailed            Category = "failed"
	CategoryRemoteEnded       Category = "remote-ended"
	CategoryDeclinedElsewhere Category = "declined-elsewhere"
	CategoryUnanswered        Category = "unanswered"
	CategoryAnsweredElsewhere Category = "answered-elsewhere"
)

// Category maps the reason to its UI category. The boolean is false only for
// EndReasonNone, which is never reported to the telephony UI. Reasons outside
// the closed set are treated as failures.
func (r EndReason) Category() (Category, bool) {
	switch r {
	case EndReasonNone:
		return "", false
	case EndReasonCanceled:
		return CategoryRemoteEnded, true
	case EndReasonDeclined:
		return CategoryDeclinedElsewhere, true
	case EndReasonNoAnswer:
		return CategoryUnanswered, true
	case EndReasonOtherDeviceAccepted:
		return CategoryAnsweredElsewhere, true
	case EndReasonCompleted,
		EndReasonConnectionLost,
		EndReasonTimedOut,
		EndReasonAcceptFailed,
		EndReasonDialFailed,
		EndReasonUnknown:
		return CategoryFailed, true
	default:
		return CategoryFailed, true
	}
}

// transitions lists the legal non-terminal moves. Any non-ended status may
// additionally move to StatusEnded.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusDialing, StatusRinging},
	StatusDialing:    {StatusConnecting, StatusConnected},
	StatusRinging:    {StatusConnecting},
	StatusConnecting: {StatusConnected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from == StatusEnded {
		return false
	}
	if to == StatusEnded {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
