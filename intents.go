package shardline

import (
	"fmt"
	"strings"
)

// Intents is the capability bitmask declared at Identify.
type Intents uint64

const (
	IntentGuilds                 Intents = 1 << 0
	IntentGuildMembers           Intents = 1 << 1
	IntentGuildModeration        Intents = 1 << 2
	IntentGuildExpressions       Intents = 1 << 3
	IntentGuildIntegrations      Intents = 1 << 4
	IntentGuildWebhooks          Intents = 1 << 5
	IntentGuildInvites           Intents = 1 << 6
	IntentGuildVoiceStates       Intents = 1 << 7
	IntentGuildPresences         Intents = 1 << 8
	IntentGuildMessages          Intents = 1 << 9
	IntentGuildMessageReactions  Intents = 1 << 10
	IntentGuildMessageTyping     Intents = 1 << 11
	IntentDirectMessages         Intents = 1 << 12
	IntentDirectMessageReactions Intents = 1 << 13
	IntentDirectMessageTyping    Intents = 1 << 14
	IntentMessageContent         Intents = 1 << 15

	// IntentsPrivileged need to be enabled for the application before use.
	IntentsPrivileged = IntentGuildMembers | IntentGuildPresences | IntentMessageContent
	// IntentsDefault is every non-privileged intent.
	IntentsDefault = IntentGuilds | IntentGuildModeration | IntentGuildExpressions |
		IntentGuildIntegrations | IntentGuildWebhooks | IntentGuildInvites |
		IntentGuildVoiceStates | IntentGuildMessages | IntentGuildMessageReactions |
		IntentGuildMessageTyping | IntentDirectMessages | IntentDirectMessageReactions |
		IntentDirectMessageTyping
)

var intentNames = map[string]Intents{
	"guilds":                   IntentGuilds,
	"guild_members":            IntentGuildMembers,
	"guild_moderation":         IntentGuildModeration,
	"guild_expressions":        IntentGuildExpressions,
	"guild_integrations":       IntentGuildIntegrations,
	"guild_webhooks":           IntentGuildWebhooks,
	"guild_invites":            IntentGuildInvites,
	"guild_voice_states":       IntentGuildVoiceStates,
	"guild_presences":          IntentGuildPresences,
	"guild_messages":           IntentGuildMessages,
	"guild_message_reactions":  IntentGuildMessageReactions,
	"guild_message_typing":     IntentGuildMessageTyping,
	"direct_messages":          IntentDirectMessages,
	"direct_message_reactions": IntentDirectMessageReactions,
	"direct_message_typing":    IntentDirectMessageTyping,
	"message_content":          IntentMessageContent,
	"default":                  IntentsDefault,
	"privileged":               IntentsPrivileged,
}

// Has reports whether every bit of other is set.
func (i Intents) Has(other Intents) bool { return i&other == other }

// ParseIntents accepts intent names such as "guilds" or "guild_members".
func ParseIntents(names []string) (Intents, error) {
	var out Intents
	for _, n := range names {
		v, ok := intentNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown intent %q", n)
		}
		out |= v
	}
	return out, nil
}

// UnmarshalYAML accepts either a bitmask or a list of names.
func (i *Intents) UnmarshalYAML(unmarshal func(any) error) error {
	var mask uint64
	if err := unmarshal(&mask); err == nil {
		*i = Intents(mask)
		return nil
	}
	var names []string
	if err := unmarshal(&names); err != nil {
		return fmt.Errorf("intents: %w", err)
	}
	v, err := ParseIntents(names)
	if err != nil {
		return err
	}
	*i = v
	return nil
}
