package config

import (
	"bytes"
)

const (
	scanPlain = iota
	scanString
	scanLineComment
	scanBlockComment
)

// StripJSONComments removes // and /* */ comments from JSONC content.
// Comment markers inside string literals are left untouched.
func StripJSONComments(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))

	state := scanPlain
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch state {
		case scanPlain:
			if c == '"' {
				state = scanString
				out.WriteByte(c)
				continue
			}
			if c == '/' && i+1 < len(data) {
				switch data[i+1] {
				case '/':
					state = scanLineComment
					i++
					continue
				case '*':
					state = scanBlockComment
					i++
					continue
				}
			}
			out.WriteByte(c)
		case scanString:
			if c == '\\' && i+1 < len(data) {
				out.WriteByte(c)
				out.WriteByte(data[i+1])
				i++
				continue
			}
			if c == '"' {
				state = scanPlain
			}
			out.WriteByte(c)
		case scanLineComment:
			if c == '\n' {
				state = scanPlain
				out.WriteByte(c)
			}
		case scanBlockComment:
			if c == '*' && i+1 < len(data) && data[i+1] == '/' {
				state = scanPlain
				i++
			}
		}
	}

	return out.Bytes()
}
