package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{
		{Header: "TYPE", Key: "type"},
		{Header: "ID", Key: "id"},
		{Header: "NAME", Key: "name"},
	}
	RenderTable(&buf, columns, []map[string]any{
		{"type": "video", "id": "0", "name": "colour bars"},
		{"type": "audio", "id": "12", "name": "tone"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "TYPE  ID NAME", lines[0])
	assert.Equal(t, "----- -- -----------", lines[1])
	assert.Equal(t, "video 0  colour bars", lines[2])
	assert.Equal(t, "audio 12 tone", lines[3])
}

func TestRenderTableIgnoresColourCodes(t *testing.T) {
	c := color.New(color.FgGreen)
	c.EnableColor()
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "STATE", Key: "state"}, {Header: "N", Key: "n"}},
		[]map[string]any{{"state": c.Sprint("ok"), "n": 1}, {"state": "failed", "n": 2}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ok     1", stripANSI(lines[2]))
	assert.Equal(t, "failed 2", lines[3])
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "ID", Key: "id"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestInitLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := InitLogger(&buf, false)
	l.Debug("hidden")
	l.Info("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown k=1")
	assert.Same(t, l, GetLogger())

	buf.Reset()
	InitLogger(&buf, true).Debug("visible")
	assert.Contains(t, buf.String(), "level=DEBUG msg=visible")
}
