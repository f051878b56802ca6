package siteurl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		allowDefault bool
		want         Target
		wantErr      bool
	}{
		{
			name: "Creator feed",
			raw:  "https://kemono.su/patreon/user/123",
			want: Target{Site: SiteKemono, Scheme: "https", Host: "kemono.su", Service: "patreon", UserID: "123"},
		},
		{
			name: "Single post",
			raw:  "https://kemono.su/patreon/user/123/post/456",
			want: Target{Site: SiteKemono, Scheme: "https", Host: "kemono.su", Service: "patreon", UserID: "123", PostID: "456"},
		},
		{
			name: "API path on coomer",
			raw:  "https://coomer.party/api/v1/onlyfans/user/abc/post/9",
			want: Target{Site: SiteCoomer, Scheme: "https", Host: "coomer.party", Service: "onlyfans", UserID: "abc", PostID: "9"},
		},
		{
			name: "Missing scheme",
			raw:  "kemono.party/fanbox/user/77",
			want: Target{Site: SiteKemono, Scheme: "https", Host: "kemono.party", Service: "fanbox", UserID: "77"},
		},
		{
			name:         "Unknown host with default",
			raw:          "http://127.0.0.1:8080/patreon/user/1",
			allowDefault: true,
			want:         Target{Site: SiteKemono, Scheme: "http", Host: "127.0.0.1:8080", Service: "patreon", UserID: "1"},
		},
		{name: "Unknown host without default", raw: "https://example.com/patreon/user/1", wantErr: true},
		{name: "Bad path", raw: "https://kemono.su/patreon/posts", wantErr: true},
		{name: "Empty", raw: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.raw, tt.allowDefault)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetURLs(t *testing.T) {
	tgt, err := ParseURL("https://kemono.su/patreon/user/123/post/456", false)
	require.NoError(t, err)

	assert.True(t, tgt.IsSinglePost())
	assert.Equal(t, "kemono.su", tgt.Domain())
	assert.Equal(t, "https://kemono.su/api/v1/patreon/user/123", tgt.FeedURL())
	assert.Equal(t, "https://kemono.su/api/v1/patreon/user/123/post/456", tgt.PostURL("456"))
	assert.Equal(t, "https://kemono.su/api/v1/patreon/user/123/post/456/comments", tgt.CommentsURL("456"))
	assert.Equal(t, "https://kemono.su/data/aa/bb/x.jpg", tgt.DataURL("/aa/bb/x.jpg"))
	assert.Equal(t, "https://kemono.su/data/aa/bb/x.jpg", tgt.DataURL("/data/aa/bb/x.jpg"))
	assert.Equal(t, "https://kemono.su/", tgt.Referer())

	assert.Equal(t, "https://cdn.example/x.png", tgt.Resolve("//cdn.example/x.png"))
	assert.Equal(t, "https://kemono.su/data/x.png", tgt.Resolve("/data/x.png"))
	assert.Equal(t, "https://other.example/y.png", tgt.Resolve("https://other.example/y.png"))

	local, err := ParseURL("http://127.0.0.1:9000/patreon/user/1", true)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", local.Domain())
}

const netscapeFile = "# Netscape HTTP Cookie File\n" +
	"\n" +
	".kemono.su\tTRUE\t/\tFALSE\t0\tsession\tabc\n" +
	"coomer.su\tFALSE\t/\tFALSE\t0\tsession\tcoomer-only\n" +
	"#HttpOnly_.kemono.su\tTRUE\t/\tTRUE\t0\t__ddg\tddg\n" +
	"malformed line\n"

func TestParseNetscapeCookies(t *testing.T) {
	cookies, err := ParseNetscapeCookies(strings.NewReader(netscapeFile), "kemono.su")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"session": "abc", "__ddg": "ddg"}, cookies)

	sub, err := ParseNetscapeCookies(strings.NewReader(netscapeFile), "api.kemono.su")
	require.NoError(t, err)
	assert.Equal(t, "abc", sub["session"])

	exact, err := ParseNetscapeCookies(strings.NewReader(netscapeFile), "coomer.su")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"session": "coomer-only"}, exact)

	none, err := ParseNetscapeCookies(strings.NewReader(netscapeFile), "sub.coomer.su")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseCookieString(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2=3"}, ParseCookieString(" a=1; b=2=3 ; junk; =x"))
	assert.Equal(t, "a=1; b=2", CookieHeader(map[string]string{"b": "2", "a": "1"}))
}

func writeCookieFile(t *testing.T, path, name, value string) {
	t.Helper()
	line := ".kemono.su\tTRUE\t/\tFALSE\t0\t" + name + "\t" + value + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0644))
}

func TestResolveCookiesOrder(t *testing.T) {
	base := t.TempDir()
	other := t.TempDir()

	selected := filepath.Join(other, "cookies.txt")
	writeCookieFile(t, selected, "from", "selected")
	writeCookieFile(t, filepath.Join(base, "kemono.su_cookies.txt"), "from", "domain")
	writeCookieFile(t, filepath.Join(base, "cookies.txt"), "from", "base")
	wrongName := filepath.Join(other, "my_cookies.txt")
	writeCookieFile(t, wrongName, "from", "wrong")

	tests := []struct {
		name       string
		opts       CookieOptions
		wantValue  string
		wantSource CookieSource
	}{
		{
			name:       "Selected file wins",
			opts:       CookieOptions{Enabled: true, SelectedFile: selected, BaseDir: base, Domain: "kemono.su", Text: "from=text"},
			wantValue:  "selected",
			wantSource: CookieSourceSelectedFile,
		},
		{
			name:       "Selected file with unrelated name is ignored",
			opts:       CookieOptions{Enabled: true, SelectedFile: wrongName, BaseDir: base, Domain: "kemono.su"},
			wantValue:  "domain",
			wantSource: CookieSourceDomainFile,
		},
		{
			name:       "Files for another domain fall through to text",
			opts:       CookieOptions{Enabled: true, BaseDir: base, Domain: "coomer.su", Text: "from=text"},
			wantSource: CookieSourceText,
			wantValue:  "text",
		},
		{
			name:       "Text only",
			opts:       CookieOptions{Enabled: true, Domain: "kemono.su", Text: "from=text"},
			wantValue:  "text",
			wantSource: CookieSourceText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, src, err := ResolveCookies(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, src)
			assert.Equal(t, tt.wantValue, first["from"])

			again, src2, err := ResolveCookies(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, first, again)
			assert.Equal(t, src, src2)
		})
	}
}

func TestResolveCookiesBaseFile(t *testing.T) {
	base := t.TempDir()
	writeCookieFile(t, filepath.Join(base, "cookies.txt"), "from", "base")

	cookies, src, err := ResolveCookies(CookieOptions{Enabled: true, BaseDir: base, Domain: "kemono.su"})
	require.NoError(t, err)
	assert.Equal(t, CookieSourceBaseFile, src)
	assert.Equal(t, "base", cookies["from"])
}

func TestResolveCookiesDisabledAndEmpty(t *testing.T) {
	cookies, src, err := ResolveCookies(CookieOptions{Text: "a=1"})
	require.NoError(t, err)
	assert.Nil(t, cookies)
	assert.Equal(t, CookieSourceNone, src)

	_, _, err = ResolveCookies(CookieOptions{Enabled: true, BaseDir: t.TempDir(), Domain: "kemono.su"})
	assert.ErrorIs(t, err, ErrNoCookies)
}
