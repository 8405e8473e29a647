package chat

import "strings"

// ChannelPrefix is prepended to a room id to form its broadcast channel name.
const ChannelPrefix = "room:"

// ChannelName returns the canonical broadcast channel for a room.
func ChannelName(roomID string) string {
	return ChannelPrefix + roomID
}

// RoomFromChannel extracts the room id from a channel name. It reports false
// if the name is not a room channel.
func RoomFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return "", false
	}
	roomID := channel[len(ChannelPrefix):]
	return roomID, roomID != ""
}
