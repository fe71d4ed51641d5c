package overlay

import "testing"

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "hello world", want: "hello world"},
		{name: "newline", input: "line1\nline2", want: `line1\nline2`},
		{name: "crlf", input: "a\r\nb", want: `a\r\nb`},
		{name: "backslash", input: `C:\temp`, want: `C:\\temp`},
		{name: "escaped sequence stays distinct", input: `\n`, want: `\\n`},
		{name: "empty", input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeMessage(tt.input); got != tt.want {
				t.Errorf("EncodeMessage(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
