package search

import "time"

// Document is a search hit reduced to what the answer step needs.
type Document struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Query describes a search restricted to documents whose storage path
// starts with PathPrefix.
type Query struct {
	Text       string
	PathPrefix string
	Top        int
}

type searchRequest struct {
	Search string `json:"search"`
	Filter string `json:"filter,omitempty"`
	Select string `json:"select"`
	Top    int    `json:"top"`
}

type searchResponse struct {
	Value []struct {
		Score               float64 `json:"@search.score"`
		Content             string  `json:"content"`
		MetadataStoragePath string  `json:"metadata_storage_path"`
	} `json:"value"`
}

// IndexerStatus is the subset of the indexer status resource we report.
type IndexerStatus struct {
	Status     string            `json:"status"`
	LastResult *IndexerRunResult `json:"lastResult"`
}

// IndexerRunResult describes one indexer execution.
type IndexerRunResult struct {
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime"`
	ItemCount    int        `json:"itemsProcessed"`
	FailedCount  int        `json:"itemsFailed"`
}

// IndexStats is returned by the index statistics endpoint.
type IndexStats struct {
	DocumentCount int64 `json:"documentCount"`
	StorageSize   int64 `json:"storageSize"`
}
