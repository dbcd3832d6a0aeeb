package sipua

import (
	"strings"
	"testing"
)

func TestBuildSDP_AudioOnly(t *testing.T) {
	body, err := buildSDP("10.0.0.5", false)
	if err != nil {
		t.Fatalf("buildSDP: %v", err)
	}
	s := string(body)

	for _, want := range []string{
		"c=IN IP4 10.0.0.5",
		"m=audio 40000 RTP/AVP 0 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=fmtp:101 0-16",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("sdp missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "m=video") {
		t.Error("audio-only sdp must not carry video")
	}
	if offerHasVideo(body) {
		t.Error("offerHasVideo = true for audio-only sdp")
	}
}

func TestBuildSDP_Video(t *testing.T) {
	body, err := buildSDP("10.0.0.5", true)
	if err != nil {
		t.Fatalf("buildSDP: %v", err)
	}
	if !strings.Contains(string(body), "m=video 40002 RTP/AVP 96") {
		t.Errorf("sdp missing video line:\n%s", body)
	}
	if !offerHasVideo(body) {
		t.Error("offerHasVideo = false for video sdp")
	}
}

func TestOfferHasVideo(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "", false},
		{"garbage", "not sdp", false},
		{
			name: "disabled video stream",
			body: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 0\r\nm=video 0 RTP/AVP 96\r\n",
			want: false,
		},
		{
			name: "active video stream",
			body: "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
				"m=audio 4000 RTP/AVP 0\r\nm=video 4002 RTP/AVP 96\r\n",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := offerHasVideo([]byte(tt.body)); got != tt.want {
				t.Errorf("offerHasVideo() = %v, want %v", got, tt.want)
			}
		})
	}
}
