package relay

import (
	"encoding/json"
	"testing"
)

func TestParseChannel(t *testing.T) {
	cases := []struct {
		name    string
		kind    ChannelKind
		boardID string
		wantErr bool
	}{
		{"private-board-b1", ChannelPrivate, "b1", false},
		{"presence-board-b1", ChannelPresence, "b1", false},
		{"public-board-b1", ChannelPublic, "b1", false},
		{"foo-board-123", 0, "", true},
		{"private-board-", 0, "", true},
		{"private-board-a b", 0, "", true},
		{"", 0, "", true},
	}
	for _, tc := range cases {
		kind, boardID, err := ParseChannel(tc.name)
		if tc.wantErr {
			if err != ErrMalformedChannel {
				t.Errorf("ParseChannel(%q) error = %v, want ErrMalformedChannel", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChannel(%q) error = %v", tc.name, err)
			continue
		}
		if kind != tc.kind || boardID != tc.boardID {
			t.Errorf("ParseChannel(%q) = (%v, %q), want (%v, %q)", tc.name, kind, boardID, tc.kind, tc.boardID)
		}
	}
}

func TestGrantVerify(t *testing.T) {
	secret := []byte("relay-secret")
	grant := &Grant{
		SocketID: "sock-1",
		Channel:  "private-board-b1",
	}
	grant.Auth = SignGrant(secret, grant.SocketID, grant.Channel, "")

	if !grant.Verify(secret) {
		t.Fatal("expected grant to verify")
	}

	forged := *grant
	forged.Channel = "private-board-b2"
	if forged.Verify(secret) {
		t.Fatal("grant verified for a different channel")
	}

	if grant.Verify([]byte("other-secret")) {
		t.Fatal("grant verified under wrong secret")
	}
}

func TestGrantPresenceMember(t *testing.T) {
	data, _ := json.Marshal(Member{ID: "usr_1", Name: "Avery"})
	grant := &Grant{SocketID: "s", Channel: "presence-board-b1", ChannelData: string(data)}

	member, ok := grant.PresenceMember()
	if !ok || member.ID != "usr_1" || member.Name != "Avery" {
		t.Fatalf("PresenceMember() = %+v, %v", member, ok)
	}

	grant.ChannelData = `{"name":"no id"}`
	if _, ok := grant.PresenceMember(); ok {
		t.Fatal("expected PresenceMember to reject data without an id")
	}
}

func TestDecodeContentUpdate(t *testing.T) {
	good := []byte(`{"content":{"store":{}},"userId":"usr_1","timestamp":1700000000000}`)
	update, err := DecodeContentUpdate(good)
	if err != nil {
		t.Fatalf("DecodeContentUpdate() error = %v", err)
	}
	if update.UserID != "usr_1" {
		t.Fatalf("unexpected update: %+v", update)
	}

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"userId":"usr_1"}`),
		[]byte(`{"content":{"store":{}}}`),
		[]byte(`{"content":"just a string","userId":"usr_1"}`),
		[]byte(`{"content":{"notstore":1},"userId":"usr_1"}`),
	}
	for _, payload := range bad {
		if _, err := DecodeContentUpdate(payload); err != ErrBadPayload {
			t.Errorf("DecodeContentUpdate(%s) error = %v, want ErrBadPayload", payload, err)
		}
	}
}

func TestDecodeCursorMove(t *testing.T) {
	move, err := DecodeCursorMove([]byte(`{"userId":"usr_1","x":12.5,"y":-3}`))
	if err != nil {
		t.Fatalf("DecodeCursorMove() error = %v", err)
	}
	if move.UserID != "usr_1" || move.X != 12.5 || move.Y != -3 {
		t.Fatalf("unexpected move: %+v", move)
	}

	if _, err := DecodeCursorMove([]byte(`{"x":1,"y":2}`)); err != ErrBadPayload {
		t.Fatalf("expected ErrBadPayload for missing userId, got %v", err)
	}
}
