// Package transcriptdoc decodes the result document a transcription job
// writes to the audio bucket.
package transcriptdoc

import (
	"encoding/json"
	"fmt"
)

// document is the minimal shape of a Transcribe output file.
type document struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
	} `json:"results"`
}

// Parse extracts the transcript text from a job result document. An
// empty transcript is a valid result (silence or unintelligible audio),
// not an error; only a malformed document fails.
func Parse(raw []byte) (string, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("transcriptdoc: decode document: %w", err)
	}
	if len(doc.Results.Transcripts) == 0 {
		return "", nil
	}
	return doc.Results.Transcripts[0].Transcript, nil
}
