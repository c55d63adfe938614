package ingest

// Manifest is the fixed-schema result file the capture script writes to
// meta/<container>_last.json after each job. All paths are container-side
// (rooted at the in-container app directory) and must be translated to the
// shared host view before use.
type Manifest struct {
	PcapPath       string `json:"pcap_path"`
	SSLKeyPath     string `json:"ssl_key_file_path"`
	ContentPath    string `json:"content_path"`
	HTMLPath       string `json:"html_path"`
	ScreenshotPath string `json:"screenshot_path"`
}

// RequiredPaths returns the kind/path pairs that must be present and
// non-trivial for the manifest to be considered valid. The screenshot is
// optional and excluded here.
func (m Manifest) RequiredPaths() map[ArtifactKind]string {
	return map[ArtifactKind]string{
		KindPcap:    m.PcapPath,
		KindSSLKey:  m.SSLKeyPath,
		KindContent: m.ContentPath,
		KindHTML:    m.HTMLPath,
	}
}

// AllPaths returns every non-empty kind/path pair, screenshot included.
func (m Manifest) AllPaths() map[ArtifactKind]string {
	paths := m.RequiredPaths()
	if m.ScreenshotPath != "" {
		paths[KindScreenshot] = m.ScreenshotPath
	}
	out := make(map[ArtifactKind]string, len(paths))
	for kind, p := range paths {
		if p != "" {
			out[kind] = p
		}
	}
	return out
}
