package model

type Document struct {
	ID            int64    `json:"id"`
	Text          string   `json:"text"`
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Source        string   `json:"source"`
	PublishedDate string   `json:"published_date"`
	Tags          []string `json:"tags"`
}

type Source struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Score   float32 `json:"score"`
	Snippet string  `json:"snippet"`
}
