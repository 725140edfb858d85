package models

import "fmt"

// Channel is a communication medium a guest can be reached on
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
)

// Channels lists every supported channel in default preference order.
var Channels = []Channel{ChannelWhatsApp, ChannelSMS, ChannelVoice}

// RequiresApproval reports whether templates on the channel go through the
// provider approval workflow before they can be sent.
func (c Channel) RequiresApproval() bool {
	return c == ChannelWhatsApp
}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}
