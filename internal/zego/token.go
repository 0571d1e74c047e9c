// Package zego issues ZEGOCLOUD token04 credentials for the meeting's video channel.
package zego

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"

	"github.com/connectra/backend/internal/models"
)

// ErrNotConfigured is returned when the app id or server secret is missing.
var ErrNotConfigured = errors.New("zego: app_id and server_secret required")

// RtcRoomPayload is the payload for room-based token. See ZEGOCLOUD token04 docs.
type RtcRoomPayload struct {
	RoomID       string      `json:"room_id"`
	Privilege    map[int]int `json:"privilege"`
	StreamIDList []string    `json:"stream_id_list,omitempty"`
}

// Issuer mints join credentials bound to a channel and a numeric user id.
type Issuer struct {
	appID        uint32
	serverSecret string
}

// NewIssuer creates a token issuer. serverSecret must be 32 characters.
func NewIssuer(appID uint32, serverSecret string) (*Issuer, error) {
	if appID == 0 || serverSecret == "" {
		return nil, ErrNotConfigured
	}
	if len(serverSecret) != 32 {
		return nil, fmt.Errorf("zego: server_secret must be 32 characters")
	}
	return &Issuer{appID: appID, serverSecret: serverSecret}, nil
}

// AppID returns the ZEGOCLOUD application id clients initialise the SDK with.
func (i *Issuer) AppID() uint32 { return i.appID }

// Issue generates a token04 for uid in channelID. Lecturers may publish; students
// may only log in and pull streams.
func (i *Issuer) Issue(channelID string, uid int64, role models.Role, ttlSeconds int64) (string, error) {
	privilege := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if role == models.RoleLecturer || role == models.RoleAdmin {
		privilege[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	payload, err := json.Marshal(RtcRoomPayload{RoomID: channelID, Privilege: privilege})
	if err != nil {
		return "", fmt.Errorf("zego: marshal payload: %w", err)
	}
	token, err := token04.GenerateToken04(i.appID, strconv.FormatInt(uid, 10), i.serverSecret, ttlSeconds, string(payload))
	if err != nil {
		return "", fmt.Errorf("zego: generate token: %w", err)
	}
	return token, nil
}
