package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    ClientMessage
		wantErr bool
	}{
		{name: "mute", in: `{"type":"mute"}`, want: ClientMessage{Type: CommandMute}},
		{name: "unmute", in: `{"type":"unmute"}`, want: ClientMessage{Type: CommandUnmute}},
		{name: "end", in: `{"type":"end_session"}`, want: ClientMessage{Type: CommandEnd}},
		{name: "unload", in: `{"type":"unload"}`, want: ClientMessage{Type: CommandUnload}},
		{name: "volume", in: `{"type":"set_volume","volume":70}`, want: ClientMessage{Type: CommandVolume, Volume: 70}},
		{name: "volume out of range", in: `{"type":"set_volume","volume":150}`, wantErr: true},
		{name: "negative volume", in: `{"type":"set_volume","volume":-1}`, wantErr: true},
		{name: "unknown type", in: `{"type":"self_destruct"}`, wantErr: true},
		{name: "missing type", in: `{}`, wantErr: true},
		{name: "not json", in: `{{`, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseClientMessage([]byte(c.in))
			if c.wantErr {
				if err == nil {
					t.Fatalf("ParseClientMessage(%s) = %+v, want error", c.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClientMessage(%s) error = %v", c.in, err)
			}
			if got != c.want {
				t.Fatalf("ParseClientMessage(%s) = %+v, want %+v", c.in, got, c.want)
			}
		})
	}
}

func TestServerMessageOmitsUnusedFields(t *testing.T) {
	data, err := json.Marshal(ServerMessage{Type: TypeWarning, Warning: "one_minute_remaining"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"warning","warning":"one_minute_remaining"}`
	if string(data) != want {
		t.Fatalf("marshal = %s, want %s", data, want)
	}
}
