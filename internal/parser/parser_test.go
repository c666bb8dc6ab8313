package parser

import (
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html lang="en-GB">
<head>
  <title>
    Welcome   to
    Example
  </title>
  <meta name="Description" content="  An   example  site ">
  <style>body { color: red }</style>
  <script>var tracking = "ignore me";</script>
</head>
<body>
  <h1>Hello</h1>
  <p>First   paragraph.</p><p>Second</p>
  <noscript>enable js</noscript>
  <template><p>hidden</p></template>
  <a href="/about#team">About</a>
  <a href="/about">About again</a>
  <a href="https://Other.Test:443/x?b=2&a=1">Other</a>
  <a href="mailto:me@example.test">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="#top">Top</a>
  <a href="">Empty</a>
  <a rel="nofollow" href="sub/page">Relative</a>
</body>
</html>`

func TestParseExtractsFields(t *testing.T) {
	t.Parallel()

	page, err := New(Config{}).Parse("http://example.test/dir/index.html", http.Header{}, []byte(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Welcome to Example", page.Title)
	assert.Equal(t, "An example site", page.Description)
	assert.Equal(t, "Hello First paragraph. Second About About again Other Mail JS Top Empty Relative", page.Text)
	assert.Equal(t, "en", page.Language)
	assert.Equal(t, []string{
		"http://example.test/about",
		"https://other.test/x?a=1&b=2",
		"http://example.test/dir/index.html",
		"http://example.test/dir/sub/page",
	}, page.Links)
}

func TestParseBaseHref(t *testing.T) {
	t.Parallel()

	body := `<html><head><base href="https://cdn.example.test/docs/"></head>
<body><a href="guide.html">Guide</a><a href="/root">Root</a></body></html>`
	page, err := New(Config{}).Parse("http://example.test/", nil, []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.test/docs/guide.html", "https://cdn.example.test/root"}, page.Links)
}

func TestParseCharsetFromHeader(t *testing.T) {
	t.Parallel()

	// "Café" in ISO-8859-1.
	body := []byte("<html><title>Caf\xe9</title><body>cr\xe8me</body></html>")
	headers := http.Header{"Content-Type": {"text/html; charset=ISO-8859-1"}}
	page, err := New(Config{}).Parse("http://example.test/", headers, body)
	require.NoError(t, err)
	assert.Equal(t, "Café", page.Title)
	assert.Equal(t, "crème", page.Text)
}

func TestParseCharsetFromMeta(t *testing.T) {
	t.Parallel()

	body := []byte("<html><head><meta charset=\"windows-1252\"><title>na\xefve</title></head></html>")
	page, err := New(Config{}).Parse("http://example.test/", http.Header{"Content-Type": {"text/html"}}, body)
	require.NoError(t, err)
	assert.Equal(t, "naïve", page.Title)
}

func TestParseLanguageFromHeader(t *testing.T) {
	t.Parallel()

	headers := http.Header{"Content-Language": {"de-AT, en"}}
	page, err := New(Config{}).Parse("http://example.test/", headers, []byte("<p>Hallo</p>"))
	require.NoError(t, err)
	assert.Equal(t, "de", page.Language)

	page, err = New(Config{}).Parse("http://example.test/", nil, []byte("<p>hi</p>"))
	require.NoError(t, err)
	assert.Empty(t, page.Language)
}

func TestParseLimits(t *testing.T) {
	t.Parallel()

	title := strings.Repeat("é", 20)
	body := "<html><title>" + title + "</title><meta name=description content=\"" +
		strings.Repeat("d", 50) + "\"><body><p>" + strings.Repeat("ü", 40) + "</p></body></html>"
	p := New(Config{MaxTitleRunes: 5, MaxDescriptionRunes: 10, MaxTextBytes: 15})
	page, err := p.Parse("http://example.test/", nil, []byte(body))
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("é", 5), page.Title)
	assert.Equal(t, strings.Repeat("d", 10), page.Description)
	assert.LessOrEqual(t, len(page.Text), 15)
	assert.True(t, utf8.ValidString(page.Text))
	assert.Equal(t, strings.Repeat("ü", 7), page.Text)
}

func TestParseToleratesMalformedHTML(t *testing.T) {
	t.Parallel()

	page, err := New(Config{}).Parse("http://example.test/", nil, []byte("<div><p>unclosed <b>bold<a href=/x>link"))
	require.NoError(t, err)
	assert.Equal(t, "unclosed bold link", page.Text)
	assert.Equal(t, []string{"http://example.test/x"}, page.Links)
}

func TestTruncateBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ab", truncateBytes("abc", 2))
	assert.Equal(t, "a", truncateBytes("aé", 2))
	assert.Equal(t, "abc", truncateBytes("abc", 5))
}
