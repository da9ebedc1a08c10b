package model

type MemoryChunk struct {
	Text       string   `json:"text"`
	Title      string   `json:"title"`
	Source     string   `json:"source"`
	Tags       []string `json:"tags"`
	Score      float32  `json:"score"`
	ChunkIndex int64    `json:"chunk_index"`
	DocPath    string   `json:"doc_path"`
}

type MemoryHealth struct {
	OK         bool   `json:"ok"`
	Collection string `json:"collection"`
	Points     *int64 `json:"points_count"`
	Note       string `json:"note,omitempty"`
}
