package transcode

import (
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"strings"
)

// EncodeAssetPath maps an upstream asset URL to a single gateway path
// segment. Absolute URLs keep their full form (query and fragment included)
// behind a "u_" prefix; anything else is treated as a path behind "p_". The
// prefixes keep the two encodings disjoint.
func EncodeAssetPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return "u_" + base64.RawURLEncoding.EncodeToString([]byte(u.String()))
	}
	p := raw
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "p_" + base64.RawURLEncoding.EncodeToString([]byte(p))
}

// DecodeAssetPath reverses EncodeAssetPath. The bool result is false for
// segments that carry neither prefix or do not decode.
func DecodeAssetPath(encoded string) (string, bool) {
	var payload string
	switch {
	case strings.HasPrefix(encoded, "u_"):
		payload = encoded[2:]
	case strings.HasPrefix(encoded, "p_"):
		payload = encoded[2:]
	default:
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ImgProxyURL builds the gateway-proxied URL for an encoded asset path.
// base wins over origin when configured.
func ImgProxyURL(base, origin, encoded string) string {
	root := base
	if root == "" {
		root = origin
	}
	return strings.TrimRight(root, "/") + "/images/" + encoded
}

// NormalizeGeneratedAssetURLs keeps only usable generated-asset URLs: drops
// empties, a bare "/", and URLs whose parsed form has pathname "/" with no
// query or fragment.
func NormalizeGeneratedAssetURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if raw == "" || raw == "/" {
			continue
		}
		if u, err := url.Parse(raw); err == nil {
			if (u.Path == "/" || u.Path == "") && u.RawQuery == "" && u.Fragment == "" && u.Host != "" {
				continue
			}
		}
		out = append(out, raw)
	}
	return out
}

// VideoHTML renders the snippet emitted when upstream finishes a video.
// With posterPreview a clickable thumbnail block is emitted instead of a
// bare player; URLs are attribute-escaped.
func VideoHTML(videoURL, posterURL string, posterPreview bool) string {
	if !posterPreview || posterURL == "" {
		return fmt.Sprintf("<video src=\"%s\" controls width=\"500\" height=\"300\"></video>\n", html.EscapeString(videoURL))
	}
	v := html.EscapeString(videoURL)
	p := html.EscapeString(posterURL)
	return fmt.Sprintf(
		"<div class=\"video-preview\" style=\"position:relative;display:inline-block;cursor:pointer\" onclick=\"this.outerHTML='<video src=&quot;%s&quot; controls autoplay width=&quot;500&quot; height=&quot;300&quot;></video>'\">"+
			"<img src=\"%s\" width=\"500\" height=\"300\" style=\"object-fit:cover\"/>"+
			"<span style=\"position:absolute;top:50%%;left:50%%;transform:translate(-50%%,-50%%);font-size:48px;color:#fff\">&#9658;</span>"+
			"</div>\n", v, p)
}
