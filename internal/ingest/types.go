package ingest

import (
	"encoding/json"
	"fmt"
)

// WorkItem is one pending backlog row: a URL whose traffic has not been
// captured yet. Identity is the backlog row key.
type WorkItem struct {
	RowID  int64
	URL    string
	Source string
	Domain string
}

// Job is one unit of dispatch handed to a sandbox container. In single mode
// it wraps exactly one WorkItem; in batch mode it wraps every fetched item of
// a domain, all sharing one capture.
type Job struct {
	Source string
	Domain string
	Items  []WorkItem
}

// SingleJob wraps one WorkItem as a Job.
func SingleJob(item WorkItem) Job {
	return Job{
		Source: item.Source,
		Domain: item.Domain,
		Items:  []WorkItem{item},
	}
}

// batchURL is one entry of a batch payload's urls array.
type batchURL struct {
	RowID int64  `json:"row_id"`
	URL   string `json:"url"`
}

type singlePayload struct {
	RowID     int64  `json:"row_id"`
	URL       string `json:"url"`
	Domain    string `json:"domain"`
	Container string `json:"container"`
}

type batchPayload struct {
	Domain    string     `json:"domain"`
	URLs      []batchURL `json:"urls"`
	Container string     `json:"container"`
}

// Payload serializes the job into the JSON argument the capture entry script
// expects. A one-item job produces the single-URL form; anything larger
// produces the domain-grouped batch form.
func (j Job) Payload(container string) ([]byte, error) {
	if len(j.Items) == 0 {
		return nil, fmt.Errorf("job for %q has no items", j.Domain)
	}
	if len(j.Items) == 1 {
		item := j.Items[0]
		data, err := json.Marshal(singlePayload{
			RowID:     item.RowID,
			URL:       item.URL,
			Domain:    j.Domain,
			Container: container,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal job payload: %w", err)
		}
		return data, nil
	}
	urls := make([]batchURL, 0, len(j.Items))
	for _, item := range j.Items {
		urls = append(urls, batchURL{RowID: item.RowID, URL: item.URL})
	}
	data, err := json.Marshal(batchPayload{
		Domain:    j.Domain,
		URLs:      urls,
		Container: container,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return data, nil
}

// ArtifactKind names one artifact class produced per capture. The kind doubles
// as the per-domain subdirectory name in durable storage.
type ArtifactKind string

// Artifact kinds written by the capture script.
const (
	KindPcap       ArtifactKind = "pcap"
	KindSSLKey     ArtifactKind = "ssl_key"
	KindContent    ArtifactKind = "content"
	KindHTML       ArtifactKind = "html"
	KindScreenshot ArtifactKind = "screenshot"
)

// ArtifactPaths holds the final resting paths recorded in the backlog row
// once a capture has been relocated into durable storage. The screenshot is
// kept on disk but not written back to the backlog.
type ArtifactPaths struct {
	Pcap    string
	SSLKey  string
	Content string
	HTML    string
}
