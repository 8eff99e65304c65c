package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// channelPrefix marks channels that require an auth token to subscribe.
const channelPrefix = "private-"

// ChannelName returns the push channel of a collaboration.
func ChannelName(collaboration string) string {
	return channelPrefix + collaboration
}

// CollaborationOf returns the collaboration a channel belongs to.
func CollaborationOf(channel string) (string, bool) {
	c, ok := strings.CutPrefix(channel, channelPrefix)
	return c, ok && c != ""
}

// NewSecret returns a random signing key for channel auth tokens.
func NewSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate relay secret: %w", err)
	}
	return secret, nil
}

// sign returns the auth token binding a socket to a channel.
func sign(secret []byte, socketID, channel string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(socketID + ":" + channel))
	return socketID + ":" + hex.EncodeToString(mac.Sum(nil))
}

// Authorize returns the token a socket presents to subscribe to channel.
// Callers must have checked that the socket's session may see the channel.
func (h *Hub) Authorize(socketID, channel string) string {
	return sign(h.secret, socketID, channel)
}

func (h *Hub) verify(socketID, channel, token string) bool {
	return hmac.Equal([]byte(sign(h.secret, socketID, channel)), []byte(token))
}
