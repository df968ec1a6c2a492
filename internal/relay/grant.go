package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Grant admits one socket to one channel. The signature covers the socket id,
// the channel name, and (for presence channels) the channel data, so a grant
// cannot be replayed for a different socket or channel.
type Grant struct {
	SocketID    string `json:"socket_id"`
	Channel     string `json:"channel"`
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

func SignGrant(secret []byte, socketID, channel, channelData string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(socketID + ":" + channel))
	if channelData != "" {
		_, _ = mac.Write([]byte(":" + channelData))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *Grant) Verify(secret []byte) bool {
	if g == nil {
		return false
	}
	expected := SignGrant(secret, g.SocketID, g.Channel, g.ChannelData)
	return hmac.Equal([]byte(g.Auth), []byte(expected))
}

// PresenceMember decodes the member identity carried by a presence grant.
func (g *Grant) PresenceMember() (Member, bool) {
	if g == nil || g.ChannelData == "" {
		return Member{}, false
	}
	var member Member
	if err := json.Unmarshal([]byte(g.ChannelData), &member); err != nil || member.ID == "" {
		return Member{}, false
	}
	return member, true
}
