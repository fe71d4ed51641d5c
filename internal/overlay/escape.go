package overlay

import "strings"

var messageEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
)

// EncodeMessage escapes free text for use as the last argument of a command
// line: backslash, newline and carriage return become \\, \n and \r.
func EncodeMessage(s string) string {
	return messageEscaper.Replace(s)
}
