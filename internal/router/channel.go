package router

import "strings"

// Channel names follow "$bridge$_<address>_$_<namespace>_$_<topic>".
const (
	channelPrefix    = "$bridge$_"
	channelDelimiter = "_$_"
)

// TopicEvent is the topic session events are published on.
const TopicEvent = "event"

func ChannelName(address, namespace, topic string) string {
	return channelPrefix + address + channelDelimiter + namespace + channelDelimiter + topic
}

// ExtractAddress returns the address segment of a channel name, or false
// when channel does not follow the channel grammar.
func ExtractAddress(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, channelDelimiter)
	if len(parts) < 2 {
		return "", false
	}
	addr := parts[0]
	if addr == "" || strings.TrimSpace(addr) != addr {
		return "", false
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", false
		}
	}
	return addr, true
}
