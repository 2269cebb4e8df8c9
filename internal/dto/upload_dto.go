package dto

// PageUploadResponse describes a stored, normalised page image.
type PageUploadResponse struct {
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	Reused    bool   `json:"reused,omitempty"`
}
