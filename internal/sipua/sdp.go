package sipua

import (
	"fmt"
	"time"

	sdp "github.com/pion/sdp/v3"
)

// Placeholder RTP ports advertised in SDP. Media is handled by the platform
// audio stack, not by this agent.
const (
	audioPort = 40000
	videoPort = 40002
)

// offerHasVideo reports whether an SDP offer contains an active video stream.
func offerHasVideo(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return false
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "video" && md.MediaName.Port.Value != 0 {
			return true
		}
	}
	return false
}

// buildSDP returns a session description with PCMU/PCMA audio and, when
// video is set, H.264 video.
func buildSDP(host string, video bool) ([]byte, error) {
	sessionID := uint64(time.Now().Unix())

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "FlowPhone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	// WithCodec appends each payload type to the format list.
	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: audioPort},
			Protos:  []string{"RTP", "AVP"},
		},
		Attributes: []sdp.Attribute{{Key: "sendrecv"}},
	}
	audio = audio.WithCodec(0, "PCMU", 8000, 0, "")
	audio = audio.WithCodec(8, "PCMA", 8000, 0, "")
	audio = audio.WithCodec(101, "telephone-event", 8000, 0, "0-16")
	sd.MediaDescriptions = append(sd.MediaDescriptions, audio)

	if video {
		v := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  "video",
				Port:   sdp.RangedPort{Value: videoPort},
				Protos:  []string{"RTP", "AVP"},
			},
			Attributes: []sdp.Attribute{{Key: "sendrecv"}},
		}
		v = v.WithCodec(96, "H264", 90000, 0, "profile-level-id=42e01f;packetization-mode=1")
		sd.MediaDescriptions = append(sd.MediaDescriptions, v)
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return body, nil
}
