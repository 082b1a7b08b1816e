// Package anonymize maps usernames to stable, prompt-local aliases so
// raw identities never reach the LLM.
package anonymize

import (
	"fmt"
	"strings"
)

// Mapper allocates aliases in the sequence User_A..User_Z, User_A1,
// User_B1, ... Deterministic within one instance: the same username
// always gets the same alias. Aliases are prompt-local; a new Mapper is
// created per batch.
type Mapper struct {
	aliases map[string]string
	next    int
}

// NewMapper returns an empty alias mapper.
func NewMapper() *Mapper {
	return &Mapper{aliases: make(map[string]string)}
}

// Alias returns the alias for username, allocating the next one in the
// sequence on first sight.
func (m *Mapper) Alias(username string) string {
	if alias, ok := m.aliases[username]; ok {
		return alias
	}

	letter := rune('A' + m.next%26)
	cycle := m.next / 26

	var alias string
	if cycle == 0 {
		alias = fmt.Sprintf("User_%c", letter)
	} else {
		alias = fmt.Sprintf("User_%c%d", letter, cycle)
	}

	m.aliases[username] = alias
	m.next++
	return alias
}

// Reset clears all allocated aliases.
func (m *Mapper) Reset() {
	m.aliases = make(map[string]string)
	m.next = 0
}

// Message is the slice of a pipeline message the anonymizer touches.
type Message struct {
	ID           string
	AuthorID     string
	Username     string
	GlobalName   string
	Content      string
	CleanContent string
}

// Options controls AnonymizeMessages behavior.
type Options struct {
	// AnonymizeContent rewrites @username mentions inside the content
	// fields using the same alias mapping.
	AnonymizeContent bool
}

// AnonymizeMessages returns anonymized copies of msgs. Author names are
// replaced with aliases, author ids are rewritten to anon_<last4>, and
// message ids are left untouched so persisted results key on the
// original entity.
func AnonymizeMessages(msgs []Message, opts Options) []Message {
	m := NewMapper()
	out := make([]Message, len(msgs))

	for i, msg := range msgs {
		anon := msg
		alias := m.Alias(msg.Username)
		anon.Username = alias
		if msg.GlobalName != "" {
			anon.GlobalName = alias
		}
		anon.AuthorID = "anon_" + last4(msg.AuthorID)
		out[i] = anon
	}

	if opts.AnonymizeContent {
		for i := range out {
			out[i].Content = rewriteMentions(out[i].Content, msgs, m)
			out[i].CleanContent = rewriteMentions(out[i].CleanContent, msgs, m)
		}
	}

	return out
}

// rewriteMentions replaces @username occurrences for every username the
// mapper has seen. Only names already in the mapping are rewritten, so
// aliases stay consistent across items of one batch.
func rewriteMentions(content string, msgs []Message, m *Mapper) string {
	if content == "" {
		return content
	}
	for _, msg := range msgs {
		if msg.Username == "" {
			continue
		}
		content = strings.ReplaceAll(content, "@"+msg.Username, "@"+m.Alias(msg.Username))
		if msg.GlobalName != "" && msg.GlobalName != msg.Username {
			content = strings.ReplaceAll(content, "@"+msg.GlobalName, "@"+m.Alias(msg.Username))
		}
	}
	return content
}

func last4(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
