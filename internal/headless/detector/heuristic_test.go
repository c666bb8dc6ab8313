package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/searchcore/internal/crawler"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	article := "<html><body><div id=\"root\"><p>" + strings.Repeat("server rendered words ", 20) + "</p></div></body></html>"
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{name: "empty body", status: 200, body: "", want: true},
		{name: "next shell", status: 200, body: `<html><body><div id="__next"></div></body></html>`, want: true},
		{name: "react root attribute", status: 200, body: `<div data-reactroot=""></div>`, want: true},
		{name: "marker with rendered text", status: 200, body: article, want: false},
		{name: "script heavy", status: 200, body: `<html><script>var a=1;</script><p>t</p></html>`, want: true},
		{name: "plain page", status: 200, body: `<html><body><p>hello there</p></body></html>`, want: false},
		{name: "large body", status: 200, body: `<div id="app"></div>` + strings.Repeat(" ", DefaultBodyLengthThreshold), want: false},
		{name: "not found", status: 404, body: `<div id="app"></div>`, want: false},
	}
	h := NewHeuristic(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := crawler.FetchResponse{StatusCode: tt.status, Body: []byte(tt.body)}
			require.Equal(t, tt.want, h.ShouldPromote(resp))
		})
	}
}

func TestScriptDensityUnterminated(t *testing.T) {
	t.Parallel()
	require.True(t, scriptDensityHigh([]byte("<p>x</p><script")))
	require.False(t, scriptDensityHigh(nil))
}
