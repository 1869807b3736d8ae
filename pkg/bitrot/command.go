// Package bitrot implements the bit-rot detection control plane: command
// validation, version gating and the staged option changes that drive the
// signer and scrubber daemons.
package bitrot

import (
	"strings"
)

type Command string

const (
	CommandEnable         Command = "enable"
	CommandDisable        Command = "disable"
	CommandScrubThrottle  Command = "scrub-throttle"
	CommandScrubFrequency Command = "scrub-frequency"
	CommandScrub          Command = "scrub"
)

// MinOpVersion is the cluster operating version that introduced bitrot
const MinOpVersion = 30700

var commands = []Command{
	CommandEnable,
	CommandDisable,
	CommandScrubThrottle,
	CommandScrubFrequency,
	CommandScrub,
}

var (
	throttleValues  = []string{"lazy", "normal", "aggressive"}
	frequencyValues = []string{"hourly", "daily", "weekly", "biweekly", "monthly"}
	scrubValues     = []string{"pause", "resume"}
)

func ParseCommand(s string) (Command, bool) {
	for _, c := range commands {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Commands lists every supported command in wire order
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	return out
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func allowedList(allowed []string) string {
	return strings.Join(allowed, ", ")
}
