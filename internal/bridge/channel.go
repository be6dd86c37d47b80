package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hollowpoint/blastarena/internal/event"
)

// ErrUnknownChannel is returned for channel names outside the fixed table.
var ErrUnknownChannel = errors.New("unknown channel")

// channelBinding is the bus-side meaning of one channel name: the category
// it maps to and the filter scoping delivery to the channel's subject.
type channelBinding struct {
	category event.Category
	filter   *event.Filter
}

// parseChannel resolves a channel name against the fixed channel→category
// table:
//
//	room:{roomId}:events           → room-management, scoped to the room
//	game:{gameId}:events           → game-state, scoped to the game
//	player:{playerId}:notifications → player-action, scoped to the player
//	system:{category}              → the named system category, unscoped
//
// Postcondition: Returns ErrUnknownChannel for any other shape.
func parseChannel(channel string) (channelBinding, error) {
	parts := strings.Split(channel, ":")

	switch {
	case len(parts) == 3 && parts[0] == "room" && parts[2] == "events" && parts[1] != "":
		return channelBinding{
			category: event.CategoryRoomManagement,
			filter:   &event.Filter{Field: "target.id", Op: event.OpEq, Value: parts[1]},
		}, nil

	case len(parts) == 3 && parts[0] == "game" && parts[2] == "events" && parts[1] != "":
		return channelBinding{
			category: event.CategoryGameState,
			filter:   &event.Filter{Field: "target.id", Op: event.OpEq, Value: parts[1]},
		}, nil

	case len(parts) == 3 && parts[0] == "player" && parts[2] == "notifications" && parts[1] != "":
		return channelBinding{
			category: event.CategoryPlayerAction,
			filter:   &event.Filter{Field: "target.id", Op: event.OpEq, Value: parts[1]},
		}, nil

	case len(parts) == 2 && parts[0] == "system" && parts[1] != "":
		cat, err := event.ParseCategory(parts[1])
		if err != nil || cat == event.CategoryWildcard {
			return channelBinding{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
		}
		return channelBinding{category: cat}, nil
	}

	return channelBinding{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
}

// GameChannel returns the channel name for a session's game events.
func GameChannel(sessionID string) string {
	return "game:" + sessionID + ":events"
}

// PlayerChannel returns the channel name for a player's notifications.
func PlayerChannel(playerID string) string {
	return "player:" + playerID + ":notifications"
}
