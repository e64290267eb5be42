package cli

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestOutput_formats(t *testing.T) {
	data := sample{Name: "queue", Count: 2}
	text := func(w io.Writer) { fmt.Fprintf(w, "%s=%d\n", data.Name, data.Count) }

	tests := []struct {
		format string
		want   string
	}{
		{"text", "queue=2\n"},
		{"json", "{\n  \"name\": \"queue\",\n  \"count\": 2\n}\n"},
		{"yaml", "count: 2\nname: queue\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			out := &output{format: tt.format, w: &buf}
			require.NoError(t, out.print(data, text))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestExitError(t *testing.T) {
	err := WrapExitError(ExitFailure, "sync failed", fmt.Errorf("offline"))
	assert.Equal(t, "sync failed: offline", err.Error())
	assert.EqualError(t, err.Unwrap(), "offline")
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}
