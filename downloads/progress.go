package downloads

// DownloadStatus represents the current state of a download.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusExtracting  DownloadStatus = "extracting"
	StatusComplete    DownloadStatus = "complete"
	StatusError       DownloadStatus = "error"
	StatusCancelled   DownloadStatus = "cancelled"
)

// Progress represents the current progress of a single component download.
type Progress struct {
	ComponentID     string         `json:"component_id"`
	ComponentName   string         `json:"component_name"`
	Status          DownloadStatus `json:"status"`
	Message         string         `json:"message"`
	BytesDownloaded int64          `json:"bytes_downloaded"`
	TotalBytes      int64          `json:"total_bytes"`
	Percent         float64        `json:"percent"`
	Speed           int64          `json:"speed"` // bytes/sec
	Error           string         `json:"error,omitempty"`
}

// OverallProgress represents the combined progress of all component downloads.
type OverallProgress struct {
	TotalComponents int        `json:"total_components"`
	CompletedCount  int        `json:"completed_count"`
	OverallPercent  float64    `json:"overall_percent"`
	Components      []Progress `json:"components"`
	Installing      bool       `json:"installing"`
}

// ProgressCallback is a function called to report download progress.
type ProgressCallback func(Progress)

// ByteProgressCallback is a function called to report raw byte progress during download.
type ByteProgressCallback func(downloaded, total int64)
