package convai

import "testing"

func TestParseEvent_RoleShape(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Event
		wantOK  bool
	}{
		{
			name:   "role user",
			raw:    `{"role":"user","message":"Hallo"}`,
			want:   Event{Source: SourceUser, Text: "Hallo"},
			wantOK: true,
		},
		{
			name:   "role agent",
			raw:    `{"role":"agent","message":"Guten Tag!"}`,
			want:   Event{Source: SourceAgent, Text: "Guten Tag!"},
			wantOK: true,
		},
		{
			name:   "legacy source user",
			raw:    `{"source":"user","message":"hi"}`,
			want:   Event{Source: SourceUser, Text: "hi"},
			wantOK: true,
		},
		{
			name:   "legacy source ai",
			raw:    `{"source":"ai","message":"hello"}`,
			want:   Event{Source: SourceAgent, Text: "hello"},
			wantOK: true,
		},
		{
			name:   "role wins over legacy source",
			raw:    `{"role":"agent","source":"user","message":"x"}`,
			want:   Event{Source: SourceAgent, Text: "x"},
			wantOK: true,
		},
		{
			name:   "unknown role ignored",
			raw:    `{"role":"system","message":"x"}`,
			wantOK: false,
		},
		{
			name:   "missing message ignored",
			raw:    `{"role":"user"}`,
			wantOK: false,
		},
		{
			name:   "unrelated shape ignored",
			raw:    `{"type":"ping","event_id":3}`,
			wantOK: false,
		},
		{
			name:   "invalid JSON ignored",
			raw:    `{not json`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseEvent([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ParseEvent(%s) ok = %v, want %v", tt.raw, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("ParseEvent(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestConnectionType_IsValid(t *testing.T) {
	if !ConnectionWebSocket.IsValid() || !ConnectionWebRTC.IsValid() {
		t.Error("built-in connection types should be valid")
	}
	if ConnectionType("carrier-pigeon").IsValid() {
		t.Error("unknown connection type should be invalid")
	}
}

func TestConnectionType_Fallback(t *testing.T) {
	if got := ConnectionWebSocket.Fallback(); got != ConnectionWebRTC {
		t.Errorf("websocket fallback = %q, want webrtc", got)
	}
	if got := ConnectionWebRTC.Fallback(); got != ConnectionWebSocket {
		t.Errorf("webrtc fallback = %q, want websocket", got)
	}
}
