package types

// DocumentStatus is the lifecycle status of a document.
type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusError      DocumentStatus = "error"
	StatusCancelled  DocumentStatus = "cancelled"
)

// ProcessingPhase tracks where inside the pipeline a processing document is.
type ProcessingPhase string

const (
	PhaseInit             ProcessingPhase = "init"
	PhaseExtracting       ProcessingPhase = "extracting"
	PhaseExtracted        ProcessingPhase = "extracted"
	PhaseEmbedding        ProcessingPhase = "embedding"
	PhaseIndexed          ProcessingPhase = "indexed"
	PhaseCentroidComputed ProcessingPhase = "centroid-computed"
)

// Document is a stored document and its pipeline-level aggregates.
type Document struct {
	ID                  string          `bson:"_id" json:"id"`
	Owner               string          `bson:"owner" json:"owner"`
	Title               string          `bson:"title" json:"title"`
	FileName            string          `bson:"file_name" json:"file_name"`
	FilePath            string          `bson:"file_path" json:"-"`
	ContentType         string          `bson:"content_type" json:"content_type"`
	FileSize            int64           `bson:"file_size" json:"file_size"`
	PageCount           int             `bson:"page_count" json:"page_count"`
	Status              DocumentStatus  `bson:"status" json:"status"`
	Phase               ProcessingPhase `bson:"phase" json:"phase"`
	ProcessingError     string          `bson:"processing_error,omitempty" json:"processing_error,omitempty"`
	EmbeddingsSkipped   bool            `bson:"embeddings_skipped" json:"embeddings_skipped"`
	EmbeddingsError     string          `bson:"embeddings_error,omitempty" json:"embeddings_error,omitempty"`
	Centroid            []float32       `bson:"centroid,omitempty" json:"-"`
	EffectiveChunkCount int             `bson:"effective_chunk_count" json:"effective_chunk_count"`
	TotalCharacters     int             `bson:"total_characters" json:"total_characters"`
	Tags                []string        `bson:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt           int64           `bson:"created_at" json:"created_at"`
	UpdatedAt           int64           `bson:"updated_at" json:"updated_at"`
}

// Chunk is a bounded contiguous span of a document's text, the unit of
// embedding and indexing. Chunks are created once by the chunker and never
// mutated afterwards.
type Chunk struct {
	ID             string `bson:"_id" json:"id"`
	DocumentID     string `bson:"document_id" json:"document_id"`
	Index          int    `bson:"index" json:"index"`
	Text           string `bson:"text" json:"text"`
	CharacterCount int    `bson:"character_count" json:"character_count"`
	StartPage      int    `bson:"start_page" json:"start_page"`
	EndPage        int    `bson:"end_page" json:"end_page"`
	CreatedAt      int64  `bson:"created_at" json:"created_at"`
}

// Paragraph is a structural unit produced by extraction, input to the
// paragraph chunker.
type Paragraph struct {
	Text  string
	Page  int
	Index int
}

// ExtractedPage is one page of extraction output.
type ExtractedPage struct {
	Number     int
	Text       string
	Paragraphs []Paragraph
}

// ExtractedEntity is a structured entity reported by the extraction service.
type ExtractedEntity struct {
	Type  string
	Value string
	Page  int
}

// ExtractedTable is a table reported by the extraction service.
type ExtractedTable struct {
	Page int
	Rows [][]string
}

// ExtractedDocument is the full output of the extraction service.
type ExtractedDocument struct {
	Pages    []ExtractedPage
	Text     string
	Entities []ExtractedEntity
	Tables   []ExtractedTable
}

// ProcessingStatus is broadcast to websocket subscribers as a document moves
// through the pipeline.
type ProcessingStatus struct {
	DocumentID     string  `json:"document_id"`
	Status         string  `json:"status"`
	Phase          string  `json:"phase"`
	Message        string  `json:"message,omitempty"`
	Progress       float64 `json:"progress"`
	TotalPages     int     `json:"total_pages,omitempty"`
	ProcessedPages int     `json:"processed_pages,omitempty"`
}

// UploadRequest carries caller-supplied metadata for an upload.
type UploadRequest struct {
	Title string   `json:"title"`
	Owner string   `json:"owner"`
	Tags  []string `json:"tags"`
}

// DataResponse is the generic HTTP response envelope.
type DataResponse struct {
	Status  bool        `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
