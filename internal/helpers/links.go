package helpers

import (
	"net/url"
	"strings"
)

const (
	PlatformMega          = "mega"
	PlatformGoogleDrive   = "google drive"
	PlatformDropbox       = "dropbox"
	PlatformPatreon       = "patreon"
	PlatformTwitter       = "twitter/x"
	PlatformDiscordInvite = "discord invite"
	PlatformKemono        = "kemono"
	PlatformCoomer        = "coomer"
	PlatformUnknown       = "unknown"
)

// platformHosts is checked in order; the first domain the host equals or ends with wins.
var platformHosts = []struct {
	domain   string
	platform string
}{
	{"mega.nz", PlatformMega},
	{"mega.co.nz", PlatformMega},
	{"mega.io", PlatformMega},
	{"drive.google.com", PlatformGoogleDrive},
	{"docs.google.com", PlatformGoogleDrive},
	{"dropbox.com", PlatformDropbox},
	{"dropboxusercontent.com", PlatformDropbox},
	{"patreon.com", PlatformPatreon},
	{"twitter.com", PlatformTwitter},
	{"x.com", PlatformTwitter},
	{"discord.gg", PlatformDiscordInvite},
	{"pixiv.net", "pixiv"},
	{"fanbox.cc", "fanbox"},
	{"gumroad.com", "gumroad"},
	{"youtube.com", "youtube"},
	{"youtu.be", "youtube"},
	{"mediafire.com", "mediafire"},
	{"instagram.com", "instagram"},
	{"onlyfans.com", "onlyfans"},
	{"fansly.com", "fansly"},
	{"subscribestar.com", "subscribestar"},
	{"subscribestar.adult", "subscribestar"},
	{"fantia.jp", "fantia"},
	{"boosty.to", "boosty"},
	{"ko-fi.com", "ko-fi"},
	{"gofile.io", "gofile"},
	{"pixeldrain.com", "pixeldrain"},
	{"catbox.moe", "catbox"},
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// GetLinkPlatform classifies an external URL by host into a short platform tag.
func GetLinkPlatform(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Hostname() == "" {
		return PlatformUnknown
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if strings.Contains(host, "kemono") {
		return PlatformKemono
	}
	if strings.Contains(host, "coomer") {
		return PlatformCoomer
	}
	if hostMatches(host, "discord.com") && strings.HasPrefix(u.Path, "/invite") {
		return PlatformDiscordInvite
	}
	for _, p := range platformHosts {
		if hostMatches(host, p.domain) {
			return p.platform
		}
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}
