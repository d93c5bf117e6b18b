package domain

// EvidenceFile describes one stored export. Hash is the sha256 hex digest of
// the exact bytes uploaded to Path.
type EvidenceFile struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Hash        string `json:"hash"`
	RowCount    int    `json:"row_count"`
	SizeBytes   int64  `json:"size_bytes"`
	Description string `json:"description,omitempty"`
}

type EvidenceFailure struct {
	Name    string    `json:"name"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
