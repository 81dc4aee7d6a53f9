package api

import (
	"fmt"
	"path"
	"strings"
)

// The playlist is rewritten on every request rather than baked at encode
// time, so the gateway's routing can change without re-transcoding.

type manifestLineKind int

const (
	directiveLine manifestLineKind = iota
	mediaLine
	blankLine
)

type manifestLine struct {
	kind manifestLineKind
	text string
}

func keyRoute(assetID string) string {
	return "/media/key/" + assetID
}

func segmentRoute(assetID, segmentName string) string {
	return "/media/segment/" + assetID + "/" + segmentName
}

func parseManifest(raw []byte) []manifestLine {
	lines := strings.Split(string(raw), "\n")
	parsed := make([]manifestLine, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case trimmed == "":
			parsed = append(parsed, manifestLine{kind: blankLine})
		case strings.HasPrefix(trimmed, "#"):
			parsed = append(parsed, manifestLine{kind: directiveLine, text: trimmed})
		default:
			parsed = append(parsed, manifestLine{kind: mediaLine, text: trimmed})
		}
	}
	return parsed
}

// patchManifest rewrites key URIs to the gateway's key route and media
// references to the gateway's segment route. The rewrite is idempotent:
// patching already-patched output yields identical bytes.
func patchManifest(raw []byte, assetID string) (string, error) {
	lines := parseManifest(raw)
	var builder strings.Builder
	for i, line := range lines {
		if i > 0 {
			builder.WriteByte('\n')
		}
		switch line.kind {
		case blankLine:
		case directiveLine:
			if strings.HasPrefix(line.text, "#EXT-X-KEY") {
				rewritten, err := rewriteKeyURI(line.text, keyRoute(assetID))
				if err != nil {
					return "", err
				}
				builder.WriteString(rewritten)
			} else {
				builder.WriteString(line.text)
			}
		case mediaLine:
			builder.WriteString(segmentRoute(assetID, path.Base(line.text)))
		}
	}
	return builder.String(), nil
}

func rewriteKeyURI(directive, route string) (string, error) {
	start := strings.Index(directive, `URI="`)
	if start == -1 {
		return "", fmt.Errorf("key directive has no URI attribute")
	}
	valueStart := start + len(`URI="`)
	end := strings.Index(directive[valueStart:], `"`)
	if end == -1 {
		return "", fmt.Errorf("key directive URI is unterminated")
	}
	return directive[:valueStart] + route + directive[valueStart+end:], nil
}
