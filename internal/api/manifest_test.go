package api

import (
	"strings"
	"testing"
)

const sampleManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x9f86d081884c7d659a2feaa0c55ad015
#EXTINF:10.0,
segment_000.ts
#EXTINF:10.0,
nested/dir/segment_001.ts
#EXT-X-ENDLIST
`

func TestPatchManifestRewritesReferences(t *testing.T) {
	patched, err := patchManifest([]byte(sampleManifest), "lesson-1")
	if err != nil {
		t.Fatalf("patchManifest: %v", err)
	}
	for _, want := range []string{
		`URI="/media/key/lesson-1"`,
		"/media/segment/lesson-1/segment_000.ts",
		"/media/segment/lesson-1/segment_001.ts",
	} {
		if !strings.Contains(patched, want) {
			t.Fatalf("patched manifest missing %q:\n%s", want, patched)
		}
	}
	// Directory components are stripped from media references.
	if strings.Contains(patched, "nested/dir") {
		t.Fatalf("directory components survived patching:\n%s", patched)
	}
	if !strings.Contains(patched, "#EXT-X-TARGETDURATION:10") {
		t.Fatalf("non-key directives must pass through unchanged:\n%s", patched)
	}
}

func TestPatchManifestIdempotent(t *testing.T) {
	first, err := patchManifest([]byte(sampleManifest), "lesson-1")
	if err != nil {
		t.Fatalf("patchManifest: %v", err)
	}
	second, err := patchManifest([]byte(first), "lesson-1")
	if err != nil {
		t.Fatalf("patchManifest (repatch): %v", err)
	}
	if first != second {
		t.Fatalf("re-patching changed output:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestPatchManifestRejectsMalformedKeyDirective(t *testing.T) {
	manifest := "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128\nsegment_000.ts\n"
	if _, err := patchManifest([]byte(manifest), "lesson-1"); err == nil {
		t.Fatal("expected error for key directive without URI")
	}
}
