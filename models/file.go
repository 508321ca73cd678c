package models

// FileRef is a file reference as it appears inside a plaintext message body.
type FileRef struct {
	FileName       string `json:"fileName"`
	UniqueFileName string `json:"uniqueFileName,omitempty"`
	URL            string `json:"url,omitempty"`
	Type           string `json:"type,omitempty"`
}

// Key returns the identifier used for URL lookups: the unique name when present,
// otherwise the display file name.
func (f FileRef) Key() string {
	if f.UniqueFileName != "" {
		return f.UniqueFileName
	}
	return f.FileName
}

// FileAttachment is derived render state for one file reference.
type FileAttachment struct {
	FileName       string
	UniqueFileName string
	URL            string
	Type           string
	NeedsLoading   bool
	IsRefreshing   bool
}

// Body is the decoded plaintext message payload.
type Body struct {
	Text  string    `json:"text,omitempty"`
	Files []FileRef `json:"files,omitempty"`
}

// Envelope is an end-to-end encrypted message payload.
type Envelope struct {
	Ciphertext    string `json:"ciphertext"`
	EphemeralKey  string `json:"ephemeralKey"`
	Nonce         string `json:"nonce"`
	MessageNumber int64  `json:"messageNumber"`
}

// ResolvedURL is one entry returned by a batched signed-URL request.
type ResolvedURL struct {
	OriginalName   string `json:"originalName"`
	UniqueFileName string `json:"uniqueFileName"`
	URL            string `json:"url"`
}
